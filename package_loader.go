package modloader

import (
	"archive/zip"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/cespare/xxhash/v2"
)

// PackageLoader opens module packages from directories or zip archives
// (.omod, .zip, .jar).
type PackageLoader struct {
	extractBase string
	logger      Logger
}

// PackageLoaderOption configures a PackageLoader.
type PackageLoaderOption func(*PackageLoader)

// WithExtractDir sets the parent directory for extracted archives. The
// default is the system temp directory.
func WithExtractDir(dir string) PackageLoaderOption {
	return func(l *PackageLoader) { l.extractBase = dir }
}

// WithPackageLogger sets the loader's logger.
func WithPackageLogger(logger Logger) PackageLoaderOption {
	return func(l *PackageLoader) { l.logger = logger }
}

// NewPackageLoader creates a package loader.
func NewPackageLoader(opts ...PackageLoaderOption) *PackageLoader {
	l := &PackageLoader{logger: NopLogger()}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Load opens the package at path. Directories are indexed in place; zip
// archives are extracted into a temporary directory owned by the returned
// package and removed by its Close.
func (l *PackageLoader) Load(ctx context.Context, pkgPath string) (*ModulePackage, error) {
	info, err := os.Stat(pkgPath)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrPackageCorrupt, pkgPath, err)
	}

	if info.IsDir() {
		pkg, err := l.loadDirectory(ctx, pkgPath)
		if err != nil {
			return nil, err
		}
		pkg.source = pkgPath
		l.logger.Debug("Loaded module package", "module", pkg.descriptor.ID(), "source", pkgPath, "entries", pkg.Len())
		return pkg, nil
	}

	if !info.Mode().IsRegular() {
		return nil, fmt.Errorf("%w: %s is neither a directory nor an archive", ErrPackageCorrupt, pkgPath)
	}

	tempDir, err := l.extract(ctx, pkgPath)
	if err != nil {
		return nil, err
	}
	pkg, err := l.loadDirectory(ctx, tempDir)
	if err != nil {
		_ = os.RemoveAll(tempDir)
		return nil, err
	}
	pkg.source = pkgPath
	pkg.tempDir = tempDir
	l.logger.Debug("Extracted module package", "module", pkg.descriptor.ID(), "source", pkgPath, "dir", tempDir, "entries", pkg.Len())
	return pkg, nil
}

// Digest fingerprints the package at path without extracting it. The value
// matches ModulePackage.Digest for the same content.
func (l *PackageLoader) Digest(pkgPath string) (uint64, error) {
	info, err := os.Stat(pkgPath)
	if err != nil {
		return 0, fmt.Errorf("%w: %s: %w", ErrPackageCorrupt, pkgPath, err)
	}
	var files []scannedFile
	if info.IsDir() {
		files, err = scanDirectory(context.Background(), pkgPath)
	} else {
		files, err = scanArchive(pkgPath)
	}
	if err != nil {
		return 0, err
	}
	return digestFiles(files), nil
}

func (l *PackageLoader) loadDirectory(ctx context.Context, root string) (*ModulePackage, error) {
	var descPath string
	for _, name := range DescriptorFileNames {
		candidate := filepath.Join(root, name)
		if st, err := os.Stat(candidate); err == nil && st.Mode().IsRegular() {
			descPath = candidate
			break
		}
	}
	if descPath == "" {
		return nil, fmt.Errorf("%w: %s: no descriptor (expected one of %s)", ErrPackageCorrupt, root, strings.Join(DescriptorFileNames, ", "))
	}

	desc, err := ParseDescriptorFile(descPath)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrPackageCorrupt, root, err)
	}

	files, err := scanDirectory(ctx, root)
	if err != nil {
		return nil, err
	}
	entries, err := indexEntries(files)
	if err != nil {
		return nil, fmt.Errorf("module %s: %w", desc.ID(), err)
	}

	return &ModulePackage{
		descriptor: desc,
		root:       root,
		entries:    entries,
		digest:     digestFiles(files),
	}, nil
}

func scanDirectory(ctx context.Context, root string) ([]scannedFile, error) {
	var files []scannedFile
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() || !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		f, err := os.Open(p)
		if err != nil {
			return err
		}
		defer f.Close()

		h := xxhash.New()
		n, err := io.Copy(h, f)
		if err != nil {
			return err
		}
		files = append(files, scannedFile{rel: filepath.ToSlash(rel), size: n, digest: h.Sum64()})
		return nil
	})
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %s: %w", ErrPackageCorrupt, root, err)
	}
	return files, nil
}

func scanArchive(archivePath string) ([]scannedFile, error) {
	zr, err := zip.OpenReader(archivePath)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrPackageCorrupt, archivePath, err)
	}
	defer zr.Close()

	var files []scannedFile
	for _, zf := range zr.File {
		if zf.FileInfo().IsDir() {
			continue
		}
		rel, err := safeArchivePath(zf.Name)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %w", ErrPackageCorrupt, archivePath, err)
		}
		rc, err := zf.Open()
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %s: %w", ErrPackageCorrupt, archivePath, zf.Name, err)
		}
		h := xxhash.New()
		n, err := io.Copy(h, rc)
		rc.Close()
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %s: %w", ErrPackageCorrupt, archivePath, zf.Name, err)
		}
		files = append(files, scannedFile{rel: rel, size: n, digest: h.Sum64()})
	}
	return files, nil
}

// safeArchivePath rejects entries that would land outside the extraction root.
func safeArchivePath(name string) (string, error) {
	name = strings.ReplaceAll(name, "\\", "/")
	if strings.HasPrefix(name, "/") {
		return "", fmt.Errorf("absolute entry path %q", name)
	}
	clean := path.Clean(name)
	if clean == ".." || strings.HasPrefix(clean, "../") {
		return "", fmt.Errorf("entry %q escapes the package root", name)
	}
	return clean, nil
}

func (l *PackageLoader) extract(ctx context.Context, archivePath string) (string, error) {
	zr, err := zip.OpenReader(archivePath)
	if err != nil {
		return "", fmt.Errorf("%w: %s: %w", ErrPackageCorrupt, archivePath, err)
	}
	defer zr.Close()

	prefix := "modloader-" + strings.TrimSuffix(filepath.Base(archivePath), filepath.Ext(archivePath)) + "-"
	tempDir, err := os.MkdirTemp(l.extractBase, prefix)
	if err != nil {
		return "", fmt.Errorf("failed to create extraction directory: %w", err)
	}

	for _, zf := range zr.File {
		if err := ctx.Err(); err != nil {
			_ = os.RemoveAll(tempDir)
			return "", err
		}
		if err := extractFile(tempDir, zf); err != nil {
			_ = os.RemoveAll(tempDir)
			return "", fmt.Errorf("%w: %s: %w", ErrPackageCorrupt, archivePath, err)
		}
	}
	return tempDir, nil
}

func extractFile(dir string, zf *zip.File) error {
	rel, err := safeArchivePath(zf.Name)
	if err != nil {
		return err
	}
	target := filepath.Join(dir, filepath.FromSlash(rel))
	if zf.FileInfo().IsDir() {
		return os.MkdirAll(target, 0o755)
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}

	rc, err := zf.Open()
	if err != nil {
		return fmt.Errorf("%s: %w", zf.Name, err)
	}
	defer rc.Close()

	out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, rc); err != nil {
		out.Close()
		return fmt.Errorf("%s: %w", zf.Name, err)
	}
	return out.Close()
}
