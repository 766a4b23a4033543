package banlist

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/hashicorp/go-retryablehttp"
	log "github.com/sirupsen/logrus"
)

func fetchURLs(ctx context.Context, client *retryablehttp.Client, urls []string) (map[int64]struct{}, error) {
	results := make(map[int64]struct{})
	for _, url := range urls {
		ids, err := fetchURL(ctx, client, url)
		if err != nil {
			return nil, err
		}
		for userID := range ids {
			results[userID] = struct{}{}
		}
	}
	return results, nil
}

func fetchURL(ctx context.Context, client *retryablehttp.Client, url string) (map[int64]struct{}, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("accept", "text/plain")

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return nil, fmt.Errorf("fetch %s: unexpected status code %d", url, resp.StatusCode)
	}
	return parseIDs(resp.Body)
}

func parseIDs(r io.Reader) (map[int64]struct{}, error) {
	results := make(map[int64]struct{})
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		userID, err := strconv.ParseInt(line, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("parse user id %q: %w", line, err)
		}
		results[userID] = struct{}{}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan response body: %w", err)
	}
	return results, nil
}

// leveledLogger routes retryablehttp chatter into logrus one level down.
type leveledLogger struct {
	entry *log.Entry
}

func (l leveledLogger) fields(kv []interface{}) *log.Entry {
	e := l.entry
	for i := 0; i+1 < len(kv); i += 2 {
		if k, ok := kv[i].(string); ok {
			e = e.WithField(k, kv[i+1])
		}
	}
	return e
}

func (l leveledLogger) Error(msg string, kv ...interface{}) { l.fields(kv).Warn(msg) }
func (l leveledLogger) Warn(msg string, kv ...interface{})  { l.fields(kv).Debug(msg) }
func (l leveledLogger) Info(msg string, kv ...interface{})  { l.fields(kv).Trace(msg) }
func (l leveledLogger) Debug(msg string, kv ...interface{}) { l.fields(kv).Trace(msg) }
