// Command simulator posts export requests against the API at a configurable
// rate. Development tool for exercising the pipeline end to end.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"os"
	"strconv"
	"time"
)

func main() {
	apiURL := os.Getenv("API_URL")
	if apiURL == "" {
		apiURL = "http://api:8080"
	}

	ratePerSec := 1
	if v := os.Getenv("RATE_PER_SEC"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			ratePerSec = n
		}
	}

	concurrency := 1
	if v := os.Getenv("CONCURRENCY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			concurrency = n
		}
	}

	for i := 0; i < concurrency; i++ {
		go submitLoop(apiURL, ratePerSec/concurrency)
	}

	select {} // block forever
}

func submitLoop(apiURL string, rps int) {
	interval := time.Second
	if rps > 0 {
		interval = time.Second / time.Duration(rps)
	}
	if interval < time.Millisecond {
		interval = time.Millisecond
	}
	ticker := time.NewTicker(interval)
	for {
		<-ticker.C

		playlistID := fmt.Sprintf("playlist-%d", rand.Intn(100))
		body, _ := json.Marshal(map[string]string{
			"targetEmail": fmt.Sprintf("user%d@example.com", rand.Intn(1000)),
		})

		req, err := http.NewRequest(http.MethodPost,
			fmt.Sprintf("%s/export/playlists/%s", apiURL, playlistID), bytes.NewReader(body))
		if err != nil {
			log.Printf("failed to build request: %v", err)
			continue
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-User-Id", fmt.Sprintf("user-%d", rand.Intn(100)))

		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			log.Printf("failed to submit export: %v", err)
			continue
		}
		log.Printf("submitted export for %s, status: %d", playlistID, resp.StatusCode)
		resp.Body.Close()
	}
}
