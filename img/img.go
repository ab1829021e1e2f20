// Package img builds SD card images: a plain file with an MBR partition
// table and a formatted FAT32 filesystem, ready to be served by the sdsim
// package or written to a real card.
package img

import (
	"fmt"
	"os"

	"github.com/diskfs/go-diskfs"
	"github.com/diskfs/go-diskfs/disk"
	"github.com/diskfs/go-diskfs/filesystem"
	"github.com/diskfs/go-diskfs/partition/mbr"
)

const SectorSize = 512

// Conventional first-partition offset; leaves room for the MBR and keeps
// the data area aligned for flash erase blocks.
const partitionStart = 2048

// Image is a card image file with one FAT32 filesystem on it.
type Image struct {
	filesystem.FileSystem
	Path string

	disk *disk.Disk
}

// Create builds a card image at path with the given total size in bytes and
// FAT32 volume label. The size must be a multiple of the sector size and
// large enough for a FAT32 partition (a few MB at minimum).
func Create(path string, size int64, label string) (*Image, error) {
	if size%SectorSize != 0 {
		return nil, fmt.Errorf("img: size %d is not a multiple of %d", size, SectorSize)
	}
	sectors := size / SectorSize
	if sectors <= partitionStart {
		return nil, fmt.Errorf("img: size %d leaves no room for a partition", size)
	}

	dsk, err := diskfs.Create(path, size, diskfs.Raw, diskfs.SectorSizeDefault)
	if err != nil {
		return nil, err
	}

	table := &mbr.Table{
		LogicalSectorSize:  SectorSize,
		PhysicalSectorSize: SectorSize,
		Partitions: []*mbr.Partition{
			{
				Bootable: false,
				Type:     mbr.Fat32LBA,
				Start:    partitionStart,
				Size:     uint32(sectors - partitionStart),
			},
		},
	}
	if err := dsk.Partition(table); err != nil {
		os.Remove(path)
		return nil, fmt.Errorf("img: partition: %w", err)
	}

	fatfs, err := dsk.CreateFilesystem(disk.FilesystemSpec{
		Partition:   1,
		FSType:      filesystem.TypeFat32,
		VolumeLabel: label,
	})
	if err != nil {
		os.Remove(path)
		return nil, fmt.Errorf("img: mkfs: %w", err)
	}

	return &Image{
		FileSystem: fatfs,
		Path:       path,
		disk:       dsk,
	}, nil
}

// WriteFile stores contents under name in the filesystem root.
func (im *Image) WriteFile(name string, contents []byte) error {
	f, err := im.OpenFile("/"+name, os.O_CREATE|os.O_RDWR)
	if err != nil {
		return fmt.Errorf("img: create %v: %w", name, err)
	}
	if _, err := f.Write(contents); err != nil {
		return fmt.Errorf("img: write %v: %w", name, err)
	}
	return nil
}

// Close flushes and releases the backing file. The image itself stays on
// disk.
func (im *Image) Close() error {
	return im.disk.Close()
}
