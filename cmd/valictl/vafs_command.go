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
)

var vafsCLICommand = cli.Command{
	Name:  "vafs",
	Usage: "walk and read files out of a VaFs archive",
	Subcommands: []cli.Command{
		vafsLsCommand,
		vafsCatCommand,
	},
}

var vafsLsCommand = cli.Command{
	Name:      "ls",
	Usage:     "list the entries of a directory inside a VaFs image",
	ArgsUsage: "<image> [path]",
	Action: func(c *cli.Context) error {
		if c.NArg() < 1 {
			return fmt.Errorf("ls requires an image path")
		}
		imagePath := c.Args().Get(0)
		dirPath := "/"
		if c.NArg() >= 2 {
			dirPath = c.Args().Get(1)
		}

		img, err := vafs.Open(imagePath, nil)
		if err != nil {
			return err
		}
		defer img.Close()

		dir, err := img.OpenDirectory(dirPath)
		if err != nil {
			return err
		}

		for {
			entry, err := dir.Read()
			if err != nil {
				break
			}
			kind := "file"
			if entry.Type == vafs.EntryDirectory {
				kind = "dir"
			}
			fmt.Fprintf(c.App.Writer, "%s\t%s\n", kind, entry.Name)
		}
		return nil
	},
}

var vafsCatCommand = cli.Command{
	Name:      "cat",
	Usage:     "print a file from a VaFs image to stdout",
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

		dirPath, name := splitDirAndName(filePath)
		dir, err := img.OpenDirectory(dirPath)
		if err != nil {
			return err
		}
		fh, err := dir.OpenFile(name)
		if err != nil {
			return err
		}

		buf := make([]byte, 4096)
		for {
			n, err := fh.Read(buf)
			if n > 0 {
				if _, werr := c.App.Writer.Write(buf[:n]); werr != nil {
					return werr
				}
			}
			if err == io.EOF {
				break
			}
			if err != nil {
				return err
			}
		}
		return nil
	},
}

func splitDirAndName(path string) (dir, name string) {
	idx := -1
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' {
			idx = i
			break
		}
	}
	if idx < 0 {
		return "/", path
	}
	if idx == 0 {
		return "/", path[1:]
	}
	return path[:idx], path[idx+1:]
}
