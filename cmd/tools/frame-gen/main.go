// Command frame-gen writes a synthetic TFmini frame stream for a sensor
// spinning in a rectangular room, for fixtures and replay into a pty.
package main

import (
	"bufio"
	"flag"
	"io"
	"log"
	"os"

	"github.com/dustin/go-humanize"

	"github.com/banshee-data/spinlidar/internal/frame"
	"github.com/banshee-data/spinlidar/internal/serialport"
)

func main() {
	output := flag.String("o", "-", "output path, - for stdout")
	rpm := flag.Float64("rpm", 120, "motor speed of the simulated sensor")
	rate := flag.Float64("rate", 1000, "frames per second")
	seconds := flag.Float64("seconds", 10, "length of the stream")
	width := flag.Float64("width", 2*serialport.DefaultRoom.HalfWidth, "room width in sensor counts")
	depth := flag.Float64("depth", 2*serialport.DefaultRoom.HalfDepth, "room depth in sensor counts")
	desync := flag.Int("desync", 0, "insert a stray sync byte before every Nth frame, 0 for none")
	flag.Parse()

	if *rpm <= 0 || *rate <= 0 || *seconds <= 0 || *width <= 0 || *depth <= 0 {
		log.Fatal("rpm, rate, seconds, width and depth must be positive")
	}

	var out io.Writer = os.Stdout
	if *output != "-" {
		f, err := os.Create(*output)
		if err != nil {
			log.Fatalf("failed to create output: %v", err)
		}
		defer f.Close()
		out = f
	}
	w := bufio.NewWriter(out)

	room := serialport.Room{HalfWidth: *width / 2, HalfDepth: *depth / 2}
	count := int(*seconds * *rate)
	if err := writeStream(w, room, *rpm, *rate, count, *desync); err != nil {
		log.Fatalf("failed to write frames: %v", err)
	}
	if err := w.Flush(); err != nil {
		log.Fatalf("failed to write frames: %v", err)
	}

	log.Printf("wrote %s frames (%s) at %g rpm", humanize.Comma(int64(count)), humanize.Bytes(uint64(count*frame.Size)), *rpm)
}

// writeStream writes count frames, preceding every desync-th frame with a
// lone 0x59 so that readers have to resynchronise.
func writeStream(w io.Writer, room serialport.Room, rpm, rate float64, count, desync int) error {
	if desync <= 0 {
		return room.WriteFrames(w, rpm, rate, count)
	}
	for i := 0; i < count; i++ {
		if i > 0 && i%desync == 0 {
			if _, err := w.Write([]byte{frame.SyncByte}); err != nil {
				return err
			}
		}
		f := room.Frame(float64(i)/rate, rpm)
		if _, err := w.Write(f[:]); err != nil {
			return err
		}
	}
	return nil
}
