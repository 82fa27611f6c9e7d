package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/textproto"
	"os"
	"path/filepath"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/dustin/go-humanize"
	"github.com/jlaffaye/ftp"

	"github.com/lox/pikasurvey/internal/config"
)

// FetchFTP downloads a file from an FTP server, retrying transient failures
// with exponential backoff until cfg.MaxRetry elapses.
func FetchFTP(ctx context.Context, cfg config.FetchConfig) ([]byte, error) {
	if cfg.Host == "" || cfg.Path == "" {
		return nil, errors.New("fetch: host and path are required")
	}

	var body []byte
	operation := func() error {
		conn, err := ftp.Dial(cfg.Host, ftp.DialWithTimeout(cfg.Timeout), ftp.DialWithContext(ctx))
		if err != nil {
			return fmt.Errorf("ftp dial: %w", err)
		}
		defer conn.Quit()

		if err := conn.Login(cfg.User, cfg.Password); err != nil {
			return backoff.Permanent(fmt.Errorf("ftp login: %w", err))
		}

		resp, err := conn.Retr(cfg.Path)
		if err != nil {
			if permanentFTP(err) {
				return backoff.Permanent(fmt.Errorf("ftp retr %s: %w", cfg.Path, err))
			}
			return fmt.Errorf("ftp retr %s: %w", cfg.Path, err)
		}
		defer resp.Close()

		body, err = io.ReadAll(resp)
		if err != nil {
			return fmt.Errorf("read %s: %w", cfg.Path, err)
		}
		return nil
	}

	bo := backoff.NewExponentialBackOff()
	if cfg.MaxRetry > 0 {
		bo.MaxElapsedTime = cfg.MaxRetry
	}
	notify := func(err error, wait time.Duration) {
		log.Printf("fetch: %v, retrying in %s", err, wait.Round(time.Millisecond))
	}
	if err := backoff.RetryNotify(operation, backoff.WithContext(bo, ctx), notify); err != nil {
		return nil, err
	}
	log.Printf("fetch: downloaded %s (%s)", cfg.Path, humanize.Bytes(uint64(len(body))))
	return body, nil
}

// permanentFTP reports 5xx replies, which retrying will not fix.
func permanentFTP(err error) bool {
	var te *textproto.Error
	return errors.As(err, &te) && te.Code >= 500
}

// FetchToFile downloads the configured file into dir and returns its path.
func FetchToFile(ctx context.Context, cfg config.FetchConfig, dir string) (string, error) {
	body, err := FetchFTP(ctx, cfg)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	path := filepath.Join(dir, filepath.Base(cfg.Path))
	if err := os.WriteFile(path, body, 0o644); err != nil {
		return "", fmt.Errorf("write %s: %w", path, err)
	}
	return path, nil
}
