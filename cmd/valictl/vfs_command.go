// Copyright (c) 2024 Vali authors
//
// SPDX-License-Identifier: Apache-2.0
//

package main

import (
	"fmt"
	"io"

	"github.com/urfave/cli"

	"github.com/vali-os/core/internal/vafs"
	"github.com/vali-os/core/internal/vfs"
)

var vfsCLICommand = cli.Command{
	Name:  "vfs",
	Usage: "mount a VaFs image through the VFS storage/entry/handle stack and read a file from it",
	Subcommands: []cli.Command{
		vfsCatCommand,
	},
}

var vfsCatCommand = cli.Command{
	Name:      "cat",
	Usage:     "mount an image, open a file through the handle lifecycle, print its contents",
	ArgsUsage: "<image> <path>",
	Action: func(c *cli.Context) error {
		if c.NArg() < 2 {
			return fmt.Errorf("cat requires an image path and a file path")
		}
		imagePath := c.Args().Get(0)
		filePath := c.Args().Get(1)

		img, err := vafs.Open(imagePath, nil)
		if err != nil {
			return err
		}
		defer img.Close()

		module := newVafsModule(img)

		storage := vfs.NewStorage(1, 0, 0, "vafs0")
		query := func(driverID, deviceID uint32) (uint32, uint64, error) {
			return 512, 0, nil
		}
		if err := storage.Setup(query, []vfs.PartitionSpec{{Module: module}}); err != nil {
			return err
		}
		defer storage.Disconnect(0)

		fs, err := storage.Filesystem("/storage/vafs0")
		if err != nil {
			return err
		}
		actor := vfs.NewActor(fs)

		h, err := actor.Open(filePath, vfs.OpenOptions{Access: vfs.AccessRead})
		if err != nil {
			return err
		}
		defer actor.Close(h)

		buf := make([]byte, 4096)
		for {
			n, err := actor.Read(h, buf)
			if n > 0 {
				if _, werr := c.App.Writer.Write(buf[:n]); werr != nil {
					return werr
				}
			}
			if n == 0 || err == io.EOF {
				break
			}
			if err != nil {
				return err
			}
		}
		return nil
	},
}
