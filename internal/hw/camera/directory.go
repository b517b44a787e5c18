package camera

import (
	"context"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	_ "golang.org/x/image/tiff"

	"github.com/cjeanneret/GuideGo/internal/debug"
	"github.com/cjeanneret/GuideGo/internal/fault"
)

// frameExtensions lists the file types Directory and Triggered read.
var frameExtensions = map[string]bool{
	".tif":  true,
	".tiff": true,
	".png":  true,
	".jpg":  true,
	".jpeg": true,
}

func isFrame(path string) bool {
	return frameExtensions[strings.ToLower(filepath.Ext(path))]
}

// Directory replays the frames found in a directory in name order,
// starting over after the last one. Useful to guide on recorded data.
type Directory struct {
	mu    sync.Mutex
	dir   string
	files []string
	next  int
}

// NewDirectory lists the frames in dir.
func NewDirectory(dir string) (*Directory, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fault.Wrap(fault.NoImage, err, "frame directory")
	}
	var files []string
	for _, e := range entries {
		if !e.IsDir() && isFrame(e.Name()) {
			files = append(files, filepath.Join(dir, e.Name()))
		}
	}
	if len(files) == 0 {
		return nil, fault.New(fault.NoImage, "no frames in %s", dir)
	}
	sort.Strings(files)
	debug.Info("Camera: replaying %d frames from %s", len(files), dir)
	return &Directory{dir: dir, files: files}, nil
}

// GetImage decodes the next frame.
func (d *Directory) GetImage(ctx context.Context) (image.Image, error) {
	if err := ctx.Err(); err != nil {
		return nil, fault.Wrap(fault.NoImage, err, "get image")
	}
	d.mu.Lock()
	path := d.files[d.next]
	d.next = (d.next + 1) % len(d.files)
	d.mu.Unlock()
	return decodeFile(path)
}

func decodeFile(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fault.Wrap(fault.NoImage, err, "open frame")
	}
	defer f.Close()
	img, format, err := image.Decode(f)
	if err != nil {
		return nil, fault.Wrap(fault.NoImage, err, "decode %s", filepath.Base(path))
	}
	debug.Trace("Camera: decoded %s (%s, %v)", filepath.Base(path), format, img.Bounds())
	return img, nil
}

func (d *Directory) String() string {
	return fmt.Sprintf("directory(%s, %d frames)", d.dir, len(d.files))
}
