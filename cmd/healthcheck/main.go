// Command healthcheck probes the control plane's liveness endpoint and exits
// 0 when it answers with a 2xx/3xx status, 1 otherwise. It is meant as
// Docker's HEALTHCHECK CMD for the controlplane container.
//
// Usage:
//
//	healthcheck [url]
//
// With no argument it probes http://localhost:8080/healthz, the control
// plane's default listen address. Example (in Dockerfile):
//
//	HEALTHCHECK CMD ["/bin/healthcheck"]
package main

import (
	"fmt"
	"net/http"
	"os"
	"time"
)

const defaultURL = "http://localhost:8080/healthz"

func main() {
	url := defaultURL
	if len(os.Args) > 1 {
		url = os.Args[1]
	}

	client := &http.Client{Timeout: 3 * time.Second}

	resp, err := client.Get(url)
	if err != nil {
		fmt.Fprintf(os.Stderr, "healthcheck: %s: %v\n", url, err)
		os.Exit(1)
	}
	resp.Body.Close()

	if resp.StatusCode >= 400 {
		fmt.Fprintf(os.Stderr, "healthcheck: HTTP %d from %s\n", resp.StatusCode, url)
		os.Exit(1)
	}

	fmt.Printf("healthcheck: HTTP %d from %s\n", resp.StatusCode, url)
}
