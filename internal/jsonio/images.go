package jsonio

import (
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// MaxImageSize bounds a single attachment
const MaxImageSize = 20 * 1024 * 1024

var ErrUnsupportedImage = errors.New("unsupported image type")

var imageMIME = map[string]string{
	".png":  "image/png",
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".gif":  "image/gif",
	".webp": "image/webp",
}

// ImageFailure is one attachment that could not be loaded
type ImageFailure struct {
	Path string
	Err  error
}

// LoadImages turns file paths into data URLs. Entries that already are data
// URLs pass through. Failures are returned separately so the task can go
// ahead without the offending image.
func LoadImages(paths []string) ([]string, []ImageFailure) {
	var (
		urls     []string
		failures []ImageFailure
	)
	for _, p := range paths {
		if strings.HasPrefix(p, "data:image/") {
			urls = append(urls, p)
			continue
		}
		url, err := loadImage(p)
		if err != nil {
			failures = append(failures, ImageFailure{Path: p, Err: err})
			continue
		}
		urls = append(urls, url)
	}
	return urls, failures
}

func loadImage(path string) (string, error) {
	mime, ok := imageMIME[strings.ToLower(filepath.Ext(path))]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnsupportedImage, filepath.Ext(path))
	}
	info, err := os.Stat(path)
	if err != nil {
		return "", err
	}
	if info.Size() > MaxImageSize {
		return "", fmt.Errorf("image %s is %d bytes, limit is %d", path, info.Size(), MaxImageSize)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(data), nil
}
