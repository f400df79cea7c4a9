package main

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/dustin/go-humanize"

	"github.com/Alexander-D-Karpov/sectorfs/internal/config"
	"github.com/Alexander-D-Karpov/sectorfs/internal/crypto"
	"github.com/Alexander-D-Karpov/sectorfs/internal/device"
	"github.com/Alexander-D-Karpov/sectorfs/internal/domain"
	httpserver "github.com/Alexander-D-Karpov/sectorfs/internal/http"
	"github.com/Alexander-D-Karpov/sectorfs/internal/logger"
	"github.com/Alexander-D-Karpov/sectorfs/internal/storage"
)

func runFormat(cfg *config.Config, args []string) error {
	fs := flags("format", cfg)
	force := fs.Bool("force", false, "overwrite an existing device")
	_ = fs.Parse(args)

	if _, err := os.Stat(cfg.DevicePath); err == nil {
		if !*force {
			return fmt.Errorf("%s exists, use -force to overwrite", cfg.DevicePath)
		}
		if err := os.Remove(cfg.DevicePath); err != nil {
			return err
		}
	}

	store, err := storage.NewStorage(cfg)
	if err != nil {
		return err
	}
	fmt.Printf("formatted %s: %d sectors, %s free\n",
		cfg.DevicePath, store.Capacity(), humanize.IBytes(store.FreeSectors()*domain.SectorSize))
	return store.Close()
}

func runServe(cfg *config.Config, args []string) error {
	fs := flags("serve", cfg)
	fs.StringVar(&cfg.HTTPAddr, "http", cfg.HTTPAddr, "inspector listen address")
	_ = fs.Parse(args)

	logger.Info("sectorfs starting",
		"device", cfg.DevicePath,
		"cache", cfg.CacheEntries,
		"flush", cfg.FlushInterval,
		"readahead", cfg.ReadAhead,
	)

	store, err := storage.NewStorage(cfg)
	if err != nil {
		return err
	}

	srv := httpserver.NewHTTPServer(store)
	if err := srv.Start(cfg.HTTPAddr); err != nil {
		return errors.Join(err, store.Close())
	}

	sig := waitForSignal()
	logger.Info("shutting down", "signal", sig.String())
	srv.Stop()
	return store.Close()
}

func runStat(cfg *config.Config, args []string) error {
	fs := flags("stat", cfg)
	_ = fs.Parse(args)

	if _, err := os.Stat(cfg.DevicePath); err != nil {
		return err
	}
	store, err := storage.NewStorage(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	root, err := store.Root()
	if err != nil {
		return err
	}
	defer root.Close()

	st := store.Stats()
	used := uint64(st.TotalSectors) - 1 - st.FreeSectors
	fmt.Printf("device:       %s\n", cfg.DevicePath)
	fmt.Printf("capacity:     %d sectors (%s)\n", st.TotalSectors, humanize.IBytes(uint64(st.TotalSectors)*domain.SectorSize))
	fmt.Printf("used:         %d sectors (%s)\n", used, humanize.IBytes(used*domain.SectorSize))
	fmt.Printf("free:         %d sectors (%s)\n", st.FreeSectors, humanize.IBytes(st.FreeSectors*domain.SectorSize))
	fmt.Printf("root:         %s, %s\n", root.Kind(), humanize.IBytes(uint64(root.Length())))
	fmt.Printf("cache:        %d/%d entries, %d hits, %d misses\n",
		st.Cache.Entries, st.Cache.Capacity, st.Cache.Hits, st.Cache.Misses)
	return nil
}

func runExport(cfg *config.Config, args []string) error {
	fs := flags("export", cfg)
	out := fs.String("o", "", "output image path")
	fs.StringVar(&cfg.ImageCodec, "codec", cfg.ImageCodec, "image codec (zstd or lz4)")
	fs.StringVar(&cfg.ImageKey, "key", cfg.ImageKey, "seal the image with this passphrase")
	_ = fs.Parse(args)

	if *out == "" {
		return errors.New("export needs -o")
	}
	codec, err := device.ParseCodec(cfg.ImageCodec)
	if err != nil {
		return err
	}
	if _, err := os.Stat(cfg.DevicePath); err != nil {
		return err
	}

	dev, err := device.OpenFile(cfg.DevicePath, 0)
	if err != nil {
		return err
	}
	defer dev.Close()

	f, err := os.Create(*out)
	if err != nil {
		return err
	}
	if err := exportImage(f, dev, codec, cfg.ImageKey); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}

	info, err := os.Stat(*out)
	if err != nil {
		return err
	}
	sealed := ""
	if cfg.ImageKey != "" {
		sealed = ", sealed"
	}
	fmt.Printf("exported %d sectors to %s (%s%s, %s)\n",
		dev.Capacity(), *out, codec, sealed, humanize.IBytes(uint64(info.Size())))
	return nil
}

// exportImage writes a compressed image of dev to w, sealed when key is set.
func exportImage(w io.Writer, dev device.BlockDevice, codec device.Codec, key string) error {
	if key == "" {
		return device.ExportImage(w, dev, codec)
	}
	sealer, err := crypto.NewPassphraseSealer(key)
	if err != nil {
		return err
	}
	var buf bytes.Buffer
	if err := device.ExportImage(&buf, dev, codec); err != nil {
		return err
	}
	sealed, err := sealer.Seal(buf.Bytes())
	if err != nil {
		return err
	}
	_, err = w.Write(sealed)
	return err
}

func runImport(cfg *config.Config, args []string) error {
	fs := flags("import", cfg)
	in := fs.String("i", "", "input image path")
	fs.StringVar(&cfg.ImageKey, "key", cfg.ImageKey, "passphrase for a sealed image")
	_ = fs.Parse(args)

	if *in == "" {
		return errors.New("import needs -i")
	}
	data, err := os.ReadFile(*in)
	if err != nil {
		return err
	}

	dev, err := device.OpenFile(cfg.DevicePath, domain.Sector(cfg.DeviceSectors))
	if err != nil {
		return err
	}

	n, err := importImage(data, dev, cfg.ImageKey)
	if cerr := dev.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return err
	}
	fmt.Printf("imported %d sectors into %s\n", n, cfg.DevicePath)
	return nil
}

// importImage restores data onto dev, unsealing it first when needed.
func importImage(data []byte, dev device.BlockDevice, key string) (domain.Sector, error) {
	if crypto.IsSealed(data) {
		if key == "" {
			return 0, errors.New("image is sealed, pass -key or set SECTORFS_IMAGE_KEY")
		}
		sealer, err := crypto.NewPassphraseSealer(key)
		if err != nil {
			return 0, err
		}
		if data, err = sealer.Open(data); err != nil {
			return 0, fmt.Errorf("error unsealing image: %w", err)
		}
	}
	return device.ImportImage(bytes.NewReader(data), dev)
}
