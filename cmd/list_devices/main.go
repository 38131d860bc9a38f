package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"strings"
	"time"

	usb "github.com/kevmo314/go-usb"

	toupcam "github.com/kevmo314/go-toupcam"
)

func main() {
	all := flag.Bool("all", false, "list every USB device, not just matching cameras")
	identify := flag.Bool("identify", false, "open the camera and dump its EEPROM identity block")
	flag.Parse()

	devices, err := usb.DeviceList()
	if err != nil {
		log.Fatalf("Failed to list devices: %v", err)
	}

	found := 0
	for _, dev := range devices {
		match := dev.Descriptor.VendorID == toupcam.VendorID && dev.Descriptor.ProductID == toupcam.ProductID
		if !match && !*all {
			continue
		}

		fmt.Printf("%s  %04x:%04x", dev.Path, dev.Descriptor.VendorID, dev.Descriptor.ProductID)
		if dev.SysfsStrings != nil {
			if dev.SysfsStrings.Manufacturer != "" || dev.SysfsStrings.Product != "" {
				fmt.Printf("  %s %s", dev.SysfsStrings.Manufacturer, dev.SysfsStrings.Product)
			}
			if dev.SysfsStrings.Serial != "" {
				fmt.Printf("  serial=%s", dev.SysfsStrings.Serial)
			}
		}
		if match {
			found++
			fmt.Printf("  ** camera **")
		}
		fmt.Println()
	}

	if found == 0 {
		fmt.Printf("No %04x:%04x camera found\n", toupcam.VendorID, toupcam.ProductID)
		return
	}

	if *identify {
		cam, err := toupcam.Open(nil)
		if err != nil {
			log.Fatalf("Failed to open camera: %v", err)
		}
		defer cam.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		eeprom, err := cam.Registers().ReadEEPROM(ctx)
		if err != nil {
			log.Fatalf("Failed to read EEPROM: %v", err)
		}
		fmt.Printf("\nEEPROM (%d bytes):\n", len(eeprom))
		dumpHead(eeprom, 256)
	}
}

// dumpHead prints the first n bytes as a hex+ASCII dump, the identity
// strings live near the start.
func dumpHead(data []byte, n int) {
	if n > len(data) {
		n = len(data)
	}
	for off := 0; off < n; off += 16 {
		end := off + 16
		if end > n {
			end = n
		}
		var ascii strings.Builder
		fmt.Printf("%04x  ", off)
		for i := off; i < end; i++ {
			fmt.Printf("%02x ", data[i])
			if data[i] >= 0x20 && data[i] < 0x7f {
				ascii.WriteByte(data[i])
			} else {
				ascii.WriteByte('.')
			}
		}
		fmt.Printf(" %s\n", ascii.String())
	}
}
