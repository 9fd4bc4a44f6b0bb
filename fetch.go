package theseus

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"github.com/spf13/afero"
)

// download streams url into outputPath on fs, reporting progress to progress.
// The file only appears at outputPath once the body has been fully read, and
// a failed transfer leaves nothing behind.
func download(fs afero.Fs, outputPath, url string, progress io.Writer) (int64, error) {
	resp, err := http.Get(url)
	if err != nil {
		return 0, errors.Wrapf(err, "failed to get %s", url)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, errors.Errorf("unexpected status code %d fetching %s", resp.StatusCode, url)
	}

	if dir := filepath.Dir(outputPath); dir != "." {
		if err := fs.MkdirAll(dir, os.ModePerm); err != nil {
			return 0, errors.Wrapf(err, "creating %s", dir)
		}
	}
	tmp := outputPath + ".part"
	out, err := fs.Create(tmp)
	if err != nil {
		return 0, errors.Wrapf(err, "failed to create file %s", tmp)
	}

	contentLength := resp.ContentLength
	var totalRead int64
	buf := make([]byte, 32*1024)
	for {
		n, err := resp.Body.Read(buf)
		if n > 0 {
			totalRead += int64(n)
			if contentLength > 0 {
				percentage := float64(totalRead) / float64(contentLength) * 100
				fmt.Fprintf(progress, "\rDownloading... %s / %s (%.2f%%)", humanBytes(totalRead), humanBytes(contentLength), percentage)
			} else {
				fmt.Fprintf(progress, "\rDownloading... %s", humanBytes(totalRead))
			}
			if _, writeErr := out.Write(buf[:n]); writeErr != nil {
				out.Close()
				fs.Remove(tmp)
				return 0, errors.Wrapf(writeErr, "failed to write to file %s", tmp)
			}
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			out.Close()
			fs.Remove(tmp)
			return 0, errors.Wrap(err, "failed to read data")
		}
	}
	fmt.Fprintln(progress)
	if err := out.Close(); err != nil {
		fs.Remove(tmp)
		return 0, errors.Wrapf(err, "closing %s", tmp)
	}
	if err := fs.Rename(tmp, outputPath); err != nil {
		return 0, errors.Wrapf(err, "moving download into place at %s", outputPath)
	}
	return totalRead, nil
}

func humanBytes(n int64) string {
	if n < 0 {
		return "?"
	}
	return humanize.Bytes(uint64(n))
}
