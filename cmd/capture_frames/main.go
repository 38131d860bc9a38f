package main

import (
	"context"
	"flag"
	"fmt"
	"image"
	"image/png"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/disintegration/imaging"

	toupcam "github.com/kevmo314/go-toupcam"
	"github.com/kevmo314/go-toupcam/pkg/decode"
)

func main() {
	path := flag.String("path", "", "usbdevfs path to the camera (default: find by VID/PID)")
	count := flag.Int("count", 1, "number of frames to save")
	dir := flag.String("dir", ".", "output directory")
	width := flag.Int("width", 2320, "frame width (must match a readout mode)")
	height := flag.Int("height", 1740, "frame height (must match a readout mode)")
	depth := flag.Int("depth", 12, "bit depth, 8 or 12")
	exposure := flag.Duration("exposure", 94*time.Millisecond, "exposure time")
	gain := flag.Int("gain", 0x0c, "analog gain code, 0-255")
	resize := flag.Int("resize", 0, "resize output to this width, 0 to keep full resolution")
	flag.Parse()

	cam, err := openCamera(*path)
	if err != nil {
		log.Fatalf("Failed to open camera: %v", err)
	}
	defer cam.Close()

	if err := cam.SetResolution(*width, *height); err != nil {
		log.Fatalf("Unsupported resolution %dx%d: %v", *width, *height, err)
	}
	switch *depth {
	case 8:
		err = cam.SetBitDepth(toupcam.Depth8)
	case 12:
		err = cam.SetBitDepth(toupcam.Depth12)
	default:
		log.Fatalf("Unsupported bit depth %d", *depth)
	}
	if err != nil {
		log.Fatalf("Failed to set bit depth: %v", err)
	}
	ctx := context.Background()
	if err := cam.SetExposure(ctx, *exposure); err != nil {
		log.Fatalf("Failed to set exposure: %v", err)
	}
	if err := cam.SetGain(ctx, *gain); err != nil {
		log.Fatalf("Failed to set gain: %v", err)
	}

	if err := cam.Start(ctx); err != nil {
		log.Fatalf("Failed to start stream: %v", err)
	}
	defer cam.Stop()

	saved := 0
	for frame := range cam.Frames() {
		img, err := decode.Image(frame)
		if err != nil {
			log.Printf("Skipping frame %d: %v", frame.Seq, err)
			continue
		}
		if *resize > 0 {
			img = imaging.Resize(img, *resize, 0, imaging.Lanczos)
		}

		name := filepath.Join(*dir, fmt.Sprintf("frame_%06d.png", frame.Seq))
		if err := savePNG(name, img); err != nil {
			log.Fatalf("Failed to save %s: %v", name, err)
		}
		log.Printf("Saved %s (%dx%d, seq %d)", name, frame.Width, frame.Height, frame.Seq)

		saved++
		if saved >= *count {
			break
		}
	}
	if saved < *count {
		log.Fatalf("Stream ended after %d of %d frames: %v", saved, *count, cam.Err())
	}
	if dropped := cam.DroppedFrames(); dropped > 0 {
		log.Printf("Dropped %d frames while saving", dropped)
	}
}

func openCamera(path string) (*toupcam.Camera, error) {
	if path == "" {
		return toupcam.Open(nil)
	}
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, err
	}
	return toupcam.WrapFD(int(f.Fd()), nil)
}

func savePNG(name string, img image.Image) error {
	f, err := os.Create(name)
	if err != nil {
		return err
	}
	if err := png.Encode(f, img); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
