package main

import (
	"context"
	"flag"
	"image"
	"log"
	"os"
	"runtime"
	"sync"
	"time"
	"unsafe"

	"github.com/veandco/go-sdl2/sdl"

	toupcam "github.com/kevmo314/go-toupcam"
	"github.com/kevmo314/go-toupcam/pkg/decode"
)

func main() {
	runtime.LockOSThread() // SDL requires main thread

	path := flag.String("path", "", "usbdevfs path to the camera (default: find by VID/PID)")
	width := flag.Int("width", 2320, "readout width")
	height := flag.Int("height", 1740, "readout height")
	window := flag.Int("window", 1160, "window width, frames are scaled to fit")
	exposure := flag.Duration("exposure", 94*time.Millisecond, "exposure time")
	gain := flag.Int("gain", 0x0c, "analog gain code, 0-255")
	flag.Parse()

	cam, err := openCamera(*path)
	if err != nil {
		log.Fatalf("Failed to open camera: %v", err)
	}
	defer cam.Close()

	if err := cam.SetResolution(*width, *height); err != nil {
		log.Fatalf("Unsupported resolution %dx%d: %v", *width, *height, err)
	}
	ctx := context.Background()
	if err := cam.SetExposure(ctx, *exposure); err != nil {
		log.Fatalf("Failed to set exposure: %v", err)
	}
	if err := cam.SetGain(ctx, *gain); err != nil {
		log.Fatalf("Failed to set gain: %v", err)
	}

	winW := *window
	winH := *height * winW / *width

	if err := sdl.Init(sdl.INIT_VIDEO); err != nil {
		log.Fatalf("Failed to init SDL: %v", err)
	}
	defer sdl.Quit()

	win, err := sdl.CreateWindow("toupcam",
		sdl.WINDOWPOS_UNDEFINED, sdl.WINDOWPOS_UNDEFINED,
		int32(winW), int32(winH), sdl.WINDOW_SHOWN)
	if err != nil {
		log.Fatalf("Failed to create window: %v", err)
	}
	defer win.Destroy()

	renderer, err := sdl.CreateRenderer(win, -1, sdl.RENDERER_ACCELERATED)
	if err != nil {
		log.Fatalf("Failed to create renderer: %v", err)
	}
	defer renderer.Destroy()

	// ABGR8888 is RGBA byte order on little-endian, matching image.RGBA pix.
	texture, err := renderer.CreateTexture(sdl.PIXELFORMAT_ABGR8888,
		sdl.TEXTUREACCESS_STREAMING, int32(winW), int32(winH))
	if err != nil {
		log.Fatalf("Failed to create texture: %v", err)
	}
	defer texture.Destroy()

	if err := cam.Start(ctx); err != nil {
		log.Fatalf("Failed to start stream: %v", err)
	}
	defer cam.Stop()

	var mu sync.Mutex
	var latest *image.RGBA

	go func() {
		var lastLog time.Time
		var frameCount int
		for f := range cam.Frames() {
			img, err := decode.Image(f)
			if err != nil {
				log.Printf("decode error: %v", err)
				continue
			}
			scaled := decode.Scale(img, winW, winH).(*image.RGBA)
			mu.Lock()
			latest = scaled
			mu.Unlock()

			frameCount++
			if time.Since(lastLog) >= time.Second {
				log.Printf("Capture FPS: %d, dropped: %d", frameCount, cam.DroppedFrames())
				frameCount = 0
				lastLog = time.Now()
			}
		}
		if err := cam.Err(); err != nil {
			log.Printf("stream ended: %v", err)
		}
	}()

	running := true
	for running {
		for event := sdl.PollEvent(); event != nil; event = sdl.PollEvent() {
			switch event.(type) {
			case *sdl.QuitEvent:
				running = false
			}
		}

		mu.Lock()
		frame := latest
		latest = nil
		mu.Unlock()

		if frame != nil {
			texture.Update(nil, unsafe.Pointer(&frame.Pix[0]), frame.Stride)
		}

		renderer.Clear()
		renderer.Copy(texture, nil, nil)
		renderer.Present()
		sdl.Delay(1)
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
