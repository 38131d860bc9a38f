package main

import (
	"context"
	"flag"
	"fmt"
	"image"
	"log"
	"math/cmplx"
	"os"
	"strconv"
	"sync/atomic"
	"time"

	"golang.org/x/image/draw"

	"github.com/gdamore/tcell/v2"
	"github.com/hajimehoshi/ebiten/v2"
	"github.com/mjibson/go-dsp/fft"
	"github.com/rivo/tview"

	toupcam "github.com/kevmo314/go-toupcam"
	"github.com/kevmo314/go-toupcam/pkg/decode"
	"github.com/kevmo314/go-toupcam/pkg/diag"
	"github.com/kevmo314/go-toupcam/pkg/framing"
	"github.com/kevmo314/go-toupcam/pkg/registers"
)

type Display struct {
	frame atomic.Value
}

func (g *Display) Update() error {
	return nil
}

func (g *Display) Draw(screen *ebiten.Image) {
	screen.DrawImage(g.frame.Load().(*ebiten.Image), &ebiten.DrawImageOptions{})
}

func (g *Display) Layout(outsideWidth, outsideHeight int) (int, int) {
	frame := g.frame.Load().(*ebiten.Image)
	return frame.Bounds().Dx(), frame.Bounds().Dy()
}

func main() {
	path := flag.String("path", "", "usbdevfs path to the camera (default: find by VID/PID)")
	render := flag.Bool("render", false, "render frames to a window instead of the terminal preview")
	tablePath := flag.String("table", "", "YAML register table to merge and hot-reload")
	flag.Parse()

	sink := diag.NewChanSink(64)
	cam, err := openCamera(*path, sink)
	if err != nil {
		log.Fatalf("Failed to open camera: %v", err)
	}
	defer cam.Close()

	if *tablePath != "" {
		watcher, err := registers.Watch(*tablePath, cam.Registers().Table(), func(err error) {
			if err != nil {
				log.Printf("table reload failed: %s", err)
				return
			}
			log.Printf("register table reloaded from %s", *tablePath)
		})
		if err != nil {
			log.Fatalf("Failed to watch %s: %v", *tablePath, err)
		}
		defer watcher.Close()
	}

	app := tview.NewApplication()

	regList := tview.NewList().ShowSecondaryText(true)
	regList.SetBorder(true).SetTitle("Registers")

	controls := tview.NewList().ShowSecondaryText(false)
	controls.SetBorder(true).SetTitle("Session")

	secondColumn := tview.NewFlex().SetDirection(tview.FlexRow)
	secondColumn.AddItem(controls, 0, 1, false)

	preview := tview.NewImage()
	preview.SetColors(256).SetDithering(tview.DitheringNone).SetBorder(true).SetTitle("Preview")

	logText := tview.NewTextView()
	logText.SetMaxLines(10).SetBorder(true).SetTitle("Log")
	log.SetOutput(logText)

	// Diagnostics land in the same log pane as everything else.
	go func() {
		for e := range sink.C {
			if e.Address != 0 {
				log.Printf("diag %s reg=0x%04x: %s", e.Kind, e.Address, e.Detail)
			} else {
				log.Printf("diag %s: %s", e.Kind, e.Detail)
			}
			app.Draw()
		}
	}()

	reloadRegisters := func() {
		regList.Clear()
		for _, entry := range cam.Registers().Table().Snapshot() {
			entry := entry
			status := entry.Page.String()
			if entry.Verified {
				status += ", verified"
			}
			regList.AddItem(
				fmt.Sprintf("0x%04x %s", entry.Address, entry.Name),
				fmt.Sprintf("[0x%04x, 0x%04x] %s", entry.Min, entry.Max, status),
				0,
				func() { promptWrite(app, secondColumn, controls, cam, entry.Address) },
			)
		}
	}
	reloadRegisters()

	stream := &atomic.Uint32{}
	controls.AddItem("Start stream", "", 0, func() {
		if err := cam.Start(context.Background()); err != nil {
			log.Printf("start failed: %s", err)
			return
		}
		log.Printf("streaming %s", cam.State())
		track := stream.Add(1)
		frames := cam.Frames()
		if *render {
			g := &Display{}
			go func() {
				for f := range frames {
					if stream.Load() != track {
						return
					}
					img, err := decode.Image(f)
					if err != nil {
						log.Printf("decode error: %s", err)
						continue
					}
					if g.frame.Swap(ebiten.NewImageFromImage(img)) == nil {
						go func() {
							if err := ebiten.RunGame(g); err != nil {
								log.Printf("ebiten error: %s", err)
							}
						}()
					}
				}
			}()
			return
		}
		go func() {
			t0 := time.Now().Add(-1 * time.Second)
			for f := range frames {
				if stream.Load() != track {
					return
				}
				t1 := time.Now()
				if t1.Sub(t0) < 50*time.Millisecond {
					continue
				}
				t0 = t1
				img, err := decode.Image(f)
				if err != nil {
					log.Printf("decode error: %s", err)
					continue
				}
				w := 64
				h := img.Bounds().Dy() * w / img.Bounds().Dx()
				preview.SetImage(resize(img, w, h))
				preview.SetTitle(fmt.Sprintf("Preview (seq %d, focus %.3f)", f.Seq, focusMetric(f)))
				app.ForceDraw()
			}
		}()
	})
	controls.AddItem("Stop stream", "", 0, func() {
		stream.Add(1)
		if err := cam.Stop(); err != nil {
			log.Printf("stop failed: %s", err)
			return
		}
		log.Printf("stream stopped, %d frames dropped", cam.DroppedFrames())
	})
	controls.AddItem("Set exposure", "", 0, func() {
		promptInput(app, secondColumn, controls, "Exposure (e.g. 94ms): ", func(text string) {
			d, err := time.ParseDuration(text)
			if err != nil {
				log.Printf("bad duration: %s", err)
				return
			}
			if err := cam.SetExposure(context.Background(), d); err != nil {
				log.Printf("set exposure failed: %s", err)
				return
			}
			log.Printf("exposure %s", d)
		})
	})
	controls.AddItem("Set gain", "", 0, func() {
		promptInput(app, secondColumn, controls, "Gain code (0-255): ", func(text string) {
			code, err := strconv.Atoi(text)
			if err != nil {
				log.Printf("bad gain code: %s", err)
				return
			}
			if err := cam.SetGain(context.Background(), code); err != nil {
				log.Printf("set gain failed: %s", err)
				return
			}
			log.Printf("gain code %d", code)
		})
	})
	controls.AddItem("Read register", "", 0, func() {
		promptInput(app, secondColumn, controls, "Register address (hex): ", func(text string) {
			addr, err := strconv.ParseUint(text, 16, 16)
			if err != nil {
				log.Printf("bad address: %s", err)
				return
			}
			value, err := cam.Registers().ReadRegister(context.Background(), uint16(addr))
			if err != nil {
				log.Printf("read 0x%04x failed: %s", addr, err)
				return
			}
			log.Printf("reg 0x%04x = 0x%04x", addr, value)
		})
	})
	controls.AddItem("Refresh table", "", 0, func() {
		reloadRegisters()
	})

	flex := tview.NewFlex().
		AddItem(regList, 0, 1, true).
		AddItem(secondColumn, 0, 1, false)
	if !*render {
		flex.AddItem(preview, 0, 2, false)
	}

	root := tview.NewFlex().SetDirection(tview.FlexRow).
		AddItem(flex, 0, 1, true).
		AddItem(logText, 10, 0, false)
	if err := app.SetRoot(root, true).Run(); err != nil {
		panic(err)
	}
}

func openCamera(path string, sink diag.Sink) (*toupcam.Camera, error) {
	opts := &toupcam.Options{Sink: sink}
	if path == "" {
		return toupcam.Open(opts)
	}
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, err
	}
	return toupcam.WrapFD(int(f.Fd()), opts)
}

// promptWrite shows an input field for a register write and returns focus to
// the controls list when done.
func promptWrite(app *tview.Application, column *tview.Flex, controls *tview.List, cam *toupcam.Camera, addr uint16) {
	promptInput(app, column, controls, fmt.Sprintf("Write 0x%04x value (hex): ", addr), func(text string) {
		value, err := strconv.ParseUint(text, 16, 16)
		if err != nil {
			log.Printf("bad value: %s", err)
			return
		}
		if err := cam.Registers().WriteRegister(context.Background(), addr, uint16(value)); err != nil {
			log.Printf("write 0x%04x failed: %s", addr, err)
			return
		}
		log.Printf("reg 0x%04x <- 0x%04x", addr, value)
	})
}

func promptInput(app *tview.Application, column *tview.Flex, returnTo *tview.List, label string, done func(string)) {
	input := tview.NewInputField()
	input.SetLabel(label).
		SetFieldWidth(12).
		SetDoneFunc(func(key tcell.Key) {
			if key == tcell.KeyEnter {
				done(input.GetText())
			}
			column.RemoveItem(input)
			app.SetFocus(returnTo)
		})
	column.AddItem(input, 1, 0, false)
	app.SetFocus(input)
}

func resize(img image.Image, w, h int) *image.RGBA {
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.NearestNeighbor.Scale(dst, dst.Bounds(), img, img.Bounds(), draw.Over, nil)
	return dst
}

// focusMetric estimates sharpness as the high-frequency energy fraction of
// the center scanline's spectrum. Relative values are what matter: nudge the
// focuser, watch the number.
func focusMetric(f *framing.Frame) float64 {
	row := make([]float64, f.Width)
	base := (f.Height / 2) * f.Width * f.BytesPerPixel
	for x := 0; x < f.Width; x++ {
		i := base + x*f.BytesPerPixel
		if f.BytesPerPixel == 2 {
			row[x] = float64(uint16(f.Data[i]) | uint16(f.Data[i+1])<<8)
		} else {
			row[x] = float64(f.Data[i])
		}
	}
	spectrum := fft.FFTReal(row)
	var total, high float64
	cutoff := len(spectrum) / 8
	for i := 1; i < len(spectrum)/2; i++ {
		e := cmplx.Abs(spectrum[i])
		total += e
		if i >= cutoff {
			high += e
		}
	}
	if total == 0 {
		return 0
	}
	return high / total
}
