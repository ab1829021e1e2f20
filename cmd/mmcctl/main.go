// mmcctl is a small utility around the mmc driver: it creates FAT32 card
// images, and reads or writes byte ranges on a card, either a simulated one
// backed by an image file or a real one on the Pi's SPI bus.
//
// Usage:
//
//	mmcctl -img card.img -mkimg 64M
//	mmcctl -img card.img read 0x1000 64
//	mmcctl -img card.img write 0x1000 deadbeef
//	mmcctl -cs 8 info
package main

import (
	"encoding/hex"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"
	rpio "github.com/stianeikeland/go-rpio/v4"

	"github.com/prasannatsm/mmcspi/img"
	"github.com/prasannatsm/mmcspi/mmc"
	"github.com/prasannatsm/mmcspi/sdsim"
	"github.com/prasannatsm/mmcspi/spi"
)

var (
	imgPath   = flag.String("img", "", "use a simulated card backed by this image file instead of hardware")
	mkimg     = flag.String("mkimg", "", "create a FAT32 card image of this size (e.g. 64M) at -img and exit")
	label     = flag.String("label", "MMCSPI", "volume label for -mkimg")
	selectPin = flag.Uint("cs", spi.DefaultSelectPin, "chip-select GPIO pin for hardware access")
	verbose   = flag.Bool("v", false, "debug logging")
)

func main() {
	flag.Parse()

	log := logrus.New()
	log.SetOutput(os.Stderr)
	if *verbose {
		log.SetLevel(logrus.DebugLevel)
	}
	entry := logrus.NewEntry(log)

	if err := run(entry); err != nil {
		log.Fatal(err)
	}
}

func run(log *logrus.Entry) error {
	if *mkimg != "" {
		if *imgPath == "" {
			return fmt.Errorf("-mkimg needs -img for the output path")
		}
		size, err := parseSize(*mkimg)
		if err != nil {
			return err
		}
		im, err := img.Create(*imgPath, size, *label)
		if err != nil {
			return err
		}
		log.Infof("created %s (%d bytes, FAT32 %q)", *imgPath, size, *label)
		return im.Close()
	}

	args := flag.Args()
	if len(args) == 0 {
		return fmt.Errorf("usage: mmcctl [flags] read <addr> <len> | write <addr> <hexbytes> | info")
	}

	dev, closer, err := openDevice(log)
	if err != nil {
		return err
	}
	defer closer()

	if err := dev.Init(); err != nil {
		return fmt.Errorf("card init: %w", err)
	}

	switch args[0] {
	case "info":
		blocks, err := dev.Blocks()
		if err != nil {
			return err
		}
		fmt.Printf("type: %s\naddressing: %s\ncapacity: %d blocks (%d bytes)\n",
			dev.Type(), addressing(dev), blocks, uint64(blocks)*mmc.BlockLen)
		return nil

	case "read":
		if len(args) != 3 {
			return fmt.Errorf("usage: read <addr> <len>")
		}
		addr, err := parseNum(args[1])
		if err != nil {
			return err
		}
		n, err := parseNum(args[2])
		if err != nil {
			return err
		}
		buf := make([]byte, n)
		if err := dev.Read(uint32(addr), buf); err != nil {
			return err
		}
		fmt.Print(hex.Dump(buf))
		return nil

	case "write":
		if len(args) != 3 {
			return fmt.Errorf("usage: write <addr> <hexbytes>")
		}
		addr, err := parseNum(args[1])
		if err != nil {
			return err
		}
		data, err := hex.DecodeString(args[2])
		if err != nil {
			return fmt.Errorf("bad hex data: %w", err)
		}
		if err := dev.Write(uint32(addr), data); err != nil {
			return err
		}
		log.Infof("wrote %d bytes at %#x", len(data), addr)
		return nil

	default:
		return fmt.Errorf("unknown command %q", args[0])
	}
}

func openDevice(log *logrus.Entry) (*mmc.Device, func(), error) {
	if *imgPath != "" {
		card, err := sdsim.Open(*imgPath)
		if err != nil {
			return nil, nil, err
		}
		card.HighCapacity = true
		dev := mmc.New(card, card, mmc.WithLogger(log))
		return dev, func() { card.Close() }, nil
	}

	port, err := spi.OpenPort(rpio.Spi0, uint8(*selectPin), log)
	if err != nil {
		return nil, nil, err
	}
	dev := mmc.New(port, port, mmc.WithLogger(log))
	return dev, func() { port.Close() }, nil
}

func addressing(dev *mmc.Device) string {
	if dev.BlockAddressed() {
		return "block"
	}
	return "byte"
}

func parseNum(s string) (uint64, error) {
	return strconv.ParseUint(strings.TrimPrefix(s, "0x"), base(s), 32)
}

func base(s string) int {
	if strings.HasPrefix(s, "0x") {
		return 16
	}
	return 10
}

func parseSize(s string) (int64, error) {
	mult := int64(1)
	switch {
	case strings.HasSuffix(s, "G"):
		mult = 1 << 30
		s = strings.TrimSuffix(s, "G")
	case strings.HasSuffix(s, "M"):
		mult = 1 << 20
		s = strings.TrimSuffix(s, "M")
	case strings.HasSuffix(s, "K"):
		mult = 1 << 10
		s = strings.TrimSuffix(s, "K")
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("bad size %q: %w", s, err)
	}
	return n * mult, nil
}
