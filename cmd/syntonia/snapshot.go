package main

import (
	"archive/tar"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/mtzanidakis/syntonia/internal/config"
	"github.com/mtzanidakis/syntonia/internal/memory"
	"github.com/mtzanidakis/syntonia/internal/store"
)

const entrySuffix = ".json"

func parseArchiveFlags(args []string, usage string) (file string, overwrite bool, err error) {
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "-f":
			if i+1 >= len(args) {
				return "", false, fmt.Errorf("missing value for -f")
			}
			i++
			file = args[i]
		case "-overwrite":
			overwrite = true
		}
	}
	if file == "" {
		fmt.Fprintln(os.Stderr, usage)
		return "", false, fmt.Errorf("missing -f flag")
	}
	return file, overwrite, nil
}

// withBackend opens the configured memory backend for a one-shot command.
func withBackend(fn func(ctx context.Context, backend memory.Backend) error) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	setupLogger(cfg.Log)

	ctx := context.Background()
	db, err := store.New(cfg.Store)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer db.Close()

	backend, closeBackend, err := openBackend(ctx, cfg, db)
	if err != nil {
		return err
	}
	defer closeBackend()
	return fn(ctx, backend)
}

func runSnapshot(args []string) error {
	outputPath, _, err := parseArchiveFlags(args, "Usage: syntonia snapshot -f <output.tar.zst>")
	if err != nil {
		return err
	}

	return withBackend(func(ctx context.Context, backend memory.Backend) error {
		f, err := os.Create(outputPath)
		if err != nil {
			return fmt.Errorf("create output file: %w", err)
		}
		defer f.Close()

		n, err := writeSnapshot(ctx, backend, f, time.Now())
		if err != nil {
			return err
		}
		if err := f.Close(); err != nil {
			return fmt.Errorf("close file: %w", err)
		}

		size := int64(0)
		if info, _ := os.Stat(outputPath); info != nil {
			size = info.Size()
		}
		fmt.Printf("Snapshot complete: %d entries, %s\n", n, formatSize(size))
		return nil
	})
}

// writeSnapshot writes every live entry of backend as a zstd-compressed tar
// with one JSON file per entry under its namespace directory.
func writeSnapshot(ctx context.Context, backend memory.Backend, w io.Writer, now time.Time) (int, error) {
	zw, err := zstd.NewWriter(w)
	if err != nil {
		return 0, fmt.Errorf("create zstd writer: %w", err)
	}
	defer zw.Close()
	tw := tar.NewWriter(zw)
	defer tw.Close()

	namespaces, err := backend.Namespaces(ctx)
	if err != nil {
		return 0, fmt.Errorf("list namespaces: %w", err)
	}
	sort.Strings(namespaces)

	count := 0
	for _, ns := range namespaces {
		entries, err := backend.Load(ctx, ns)
		if err != nil {
			return count, fmt.Errorf("load namespace %s: %w", ns, err)
		}
		sort.Slice(entries, func(i, j int) bool { return entries[i].Key < entries[j].Key })

		for _, e := range entries {
			if e.Expired(now) {
				continue
			}
			e.Namespace = ns
			data, err := json.Marshal(e)
			if err != nil {
				return count, fmt.Errorf("marshal %s/%s: %w", ns, e.Key, err)
			}
			hdr := &tar.Header{
				Name:     entryPath(ns, e.Key),
				Mode:     0o600,
				Size:     int64(len(data)),
				ModTime:  e.UpdatedAt,
				Typeflag: tar.TypeReg,
			}
			if err := tw.WriteHeader(hdr); err != nil {
				return count, fmt.Errorf("write tar header: %w", err)
			}
			if _, err := tw.Write(data); err != nil {
				return count, fmt.Errorf("write tar data: %w", err)
			}
			count++
		}
		slog.Info("namespace exported", "namespace", ns, "entries", len(entries))
	}

	// Close explicitly to catch write errors.
	if err := tw.Close(); err != nil {
		return count, fmt.Errorf("close tar: %w", err)
	}
	if err := zw.Close(); err != nil {
		return count, fmt.Errorf("close zstd: %w", err)
	}
	return count, nil
}

func runRestore(args []string) error {
	inputPath, overwrite, err := parseArchiveFlags(args, "Usage: syntonia restore -f <input.tar.zst> [-overwrite]")
	if err != nil {
		return err
	}

	return withBackend(func(ctx context.Context, backend memory.Backend) error {
		f, err := os.Open(inputPath)
		if err != nil {
			return fmt.Errorf("open archive: %w", err)
		}
		defer f.Close()

		snap, err := readSnapshot(f)
		if err != nil {
			return err
		}
		n, err := restoreSnapshot(ctx, backend, snap, overwrite)
		if err != nil {
			return err
		}
		fmt.Printf("Restore complete: %d namespaces, %d entries\n", len(snap), n)
		return nil
	})
}

// readSnapshot decodes an archive written by writeSnapshot, grouped by
// namespace.
func readSnapshot(r io.Reader) (map[string][]memory.Entry, error) {
	zr, err := zstd.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("create zstd reader: %w", err)
	}
	defer zr.Close()

	tr := tar.NewReader(zr)
	out := make(map[string][]memory.Entry)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read tar entry: %w", err)
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}
		ns, key := splitEntryPath(hdr.Name)
		if ns == "" {
			slog.Warn("skipping unexpected archive entry", "name", hdr.Name)
			continue
		}

		var e memory.Entry
		if err := json.NewDecoder(tr).Decode(&e); err != nil {
			return nil, fmt.Errorf("decode %s: %w", hdr.Name, err)
		}
		e.Namespace, e.Key = ns, key
		out[ns] = append(out[ns], e)
	}
	return out, nil
}

// restoreSnapshot saves snap into backend. Without overwrite it refuses to
// touch a namespace that already holds entries.
func restoreSnapshot(ctx context.Context, backend memory.Backend, snap map[string][]memory.Entry, overwrite bool) (int, error) {
	names := make([]string, 0, len(snap))
	for ns := range snap {
		names = append(names, ns)
	}
	sort.Strings(names)

	if !overwrite {
		for _, ns := range names {
			existing, err := backend.Load(ctx, ns)
			if err != nil {
				return 0, fmt.Errorf("load namespace %s: %w", ns, err)
			}
			if len(existing) > 0 {
				return 0, fmt.Errorf("namespace %s already has %d entries, add -overwrite to replace them", ns, len(existing))
			}
		}
	}

	count := 0
	for _, ns := range names {
		if err := backend.Save(ctx, ns, snap[ns]); err != nil {
			return count, fmt.Errorf("save namespace %s: %w", ns, err)
		}
		count += len(snap[ns])
		slog.Info("namespace restored", "namespace", ns, "entries", len(snap[ns]))
	}
	return count, nil
}

// entryPath maps a key to "<namespace>/<escaped key>.json". Keys may contain
// slashes, so they are path-escaped.
func entryPath(namespace, key string) string {
	return path.Join(url.PathEscape(namespace), url.PathEscape(key)+entrySuffix)
}

// splitEntryPath reverses entryPath. It returns an empty namespace for names
// that are not entry files.
func splitEntryPath(name string) (namespace, key string) {
	name = strings.TrimLeft(name, "./")
	idx := strings.IndexByte(name, '/')
	if idx <= 0 {
		return "", ""
	}
	rawNS, rawKey := name[:idx], name[idx+1:]
	if !strings.HasSuffix(rawKey, entrySuffix) || strings.Contains(rawKey, "/") {
		return "", ""
	}
	ns, err := url.PathUnescape(rawNS)
	if err != nil {
		return "", ""
	}
	key, err = url.PathUnescape(strings.TrimSuffix(rawKey, entrySuffix))
	if err != nil || key == "" {
		return "", ""
	}
	return ns, key
}

func formatSize(bytes int64) string {
	const (
		kb = 1024
		mb = kb * 1024
		gb = mb * 1024
	)
	switch {
	case bytes >= gb:
		return fmt.Sprintf("%.1f GB", float64(bytes)/float64(gb))
	case bytes >= mb:
		return fmt.Sprintf("%.1f MB", float64(bytes)/float64(mb))
	case bytes >= kb:
		return fmt.Sprintf("%.1f KB", float64(bytes)/float64(kb))
	default:
		return fmt.Sprintf("%d bytes", bytes)
	}
}
