package pipeline

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/user/product-ingest/internal/domain"
)

// ReadURLs returns the URLs of r, one per line. Blank lines and lines
// starting with '#' are skipped.
func ReadURLs(r io.Reader) ([]string, error) {
	var urls []string
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		urls = append(urls, line)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return urls, nil
}

// ReadURLFile reads URLs from the file at path.
func ReadURLFile(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: open url file: %v", domain.ErrInvalidInput, err)
	}
	defer f.Close()
	return ReadURLs(f)
}

// Tasks turns URLs into ingestion tasks with derived product ids.
func Tasks(urls []string) []domain.IngestionTask {
	tasks := make([]domain.IngestionTask, 0, len(urls))
	for _, u := range urls {
		tasks = append(tasks, domain.IngestionTask{URL: u})
	}
	return tasks
}
