package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/punchamoorthee/rentledger/internal/logging"
	"github.com/sirupsen/logrus"
	stripehook "github.com/stripe/stripe-go/v79/webhook"
)

// Replay fires signed checkout-completed deliveries for one booking from many
// workers at once. Exactly one should apply; the rest must be acknowledged
// without a second transition.
var (
	targetURL   string
	secret      string
	bookingID   string
	concurrency int
	perWorker   int
	mode        string
)

var (
	totalRequests uint64
	status200     uint64
	status400     uint64
	status500     uint64 // in-flight claims; the provider would retry
	failOther     uint64
)

func init() {
	flag.StringVar(&targetURL, "url", "http://localhost:8080", "API Base URL")
	flag.StringVar(&secret, "secret", os.Getenv("STRIPE_WEBHOOK_SECRET"), "Webhook signing secret")
	flag.StringVar(&bookingID, "booking", "", "Booking ID to pay (required)")
	flag.IntVar(&concurrency, "workers", 10, "Number of concurrent workers")
	flag.IntVar(&perWorker, "n", 5, "Deliveries per worker")
	flag.StringVar(&mode, "mode", "same", "Event ids: same (redelivery) | distinct (independent signals)")
}

func main() {
	flag.Parse()
	log, err := logging.New("info", "text")
	if err != nil {
		panic(err)
	}
	if bookingID == "" || secret == "" {
		log.Fatal("-booking and -secret (or STRIPE_WEBHOOK_SECRET) are required")
	}
	log.WithFields(logrus.Fields{"mode": mode, "workers": concurrency, "per_worker": perWorker}).Info("Starting replay")

	sessionID := "cs_replay_" + uuid.NewString()[:8]
	intentID := "pi_replay_" + uuid.NewString()[:8]
	sharedEventID := "evt_replay_" + uuid.NewString()[:8]

	start := time.Now()
	var wg sync.WaitGroup
	wg.Add(concurrency)
	for i := 0; i < concurrency; i++ {
		go func() {
			defer wg.Done()
			client := &http.Client{Timeout: 10 * time.Second}
			for j := 0; j < perWorker; j++ {
				eventID := sharedEventID
				if mode == "distinct" {
					eventID = "evt_replay_" + uuid.NewString()
				}
				deliver(client, log, eventID, sessionID, intentID)
			}
		}()
	}
	wg.Wait()
	printResults(time.Since(start))
}

func deliver(client *http.Client, log logrus.FieldLogger, eventID, sessionID, intentID string) {
	body, err := json.Marshal(map[string]interface{}{
		"id":          eventID,
		"object":      "event",
		"type":        "checkout.session.completed",
		"created":     time.Now().Unix(),
		"api_version": "2024-06-20",
		"data": map[string]interface{}{
			"object": map[string]interface{}{
				"id":             sessionID,
				"object":         "checkout.session",
				"status":         "complete",
				"payment_status": "paid",
				"payment_intent": intentID,
				"metadata":       map[string]string{"booking_id": bookingID},
			},
		},
	})
	if err != nil {
		log.WithError(err).Fatal("encode event")
	}

	signed := stripehook.GenerateTestSignedPayload(&stripehook.UnsignedPayload{
		Payload:   body,
		Secret:    secret,
		Timestamp: time.Now(),
	})

	req, _ := http.NewRequest("POST", targetURL+"/api/v1/webhooks/stripe", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Stripe-Signature", signed.Header)

	resp, err := client.Do(req)
	if err != nil {
		atomic.AddUint64(&failOther, 1)
		return
	}
	defer resp.Body.Close()

	atomic.AddUint64(&totalRequests, 1)
	switch resp.StatusCode {
	case http.StatusOK:
		atomic.AddUint64(&status200, 1)
	case http.StatusBadRequest:
		atomic.AddUint64(&status400, 1)
	case http.StatusInternalServerError:
		atomic.AddUint64(&status500, 1)
	default:
		atomic.AddUint64(&failOther, 1)
	}
}

func printResults(d time.Duration) {
	results := map[string]interface{}{
		"mode":           mode,
		"booking_id":     bookingID,
		"duration_sec":   d.Seconds(),
		"total_requests": atomic.LoadUint64(&totalRequests),
		"acknowledged":   atomic.LoadUint64(&status200),
		"rejected":       atomic.LoadUint64(&status400),
		"retry_asked":    atomic.LoadUint64(&status500),
		"errors":         atomic.LoadUint64(&failOther),
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(results); err != nil {
		fmt.Fprintln(os.Stderr, err)
	}
}
