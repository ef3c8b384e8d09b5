// Command webhook-receiver is a development sink for alarm webhooks. It
// checks the HMAC signature when SECRET is set and keeps the last deliveries
// in memory for inspection.
package main

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"sync"
	"time"
)

const (
	headerDeliveryID = "X-Alarm-Delivery-ID"
	headerSignature  = "X-Alarm-Signature"
	maxStored        = 50
)

// delivery mirrors the fields of the alarm payload worth eyeballing.
type delivery struct {
	ReceivedAt  string `json:"received_at"`
	DeliveryID  string `json:"delivery_id"`
	ContextID   int    `json:"context_id"`
	UserID      int    `json:"user_id"`
	Action      string `json:"action"`
	EventID     string `json:"event_id"`
	AlarmID     int    `json:"alarm_id"`
	TriggerTime string `json:"trigger_time"`
	Duplicate   bool   `json:"duplicate"`
}

type stats struct {
	Count      int64      `json:"count"`
	Duplicates int64      `json:"duplicates"`
	Rejected   int64      `json:"rejected"`
	Last       []delivery `json:"last"`
	Since      string     `json:"since"`
}

type receiver struct {
	secret string

	mu         sync.Mutex
	count      int64
	duplicates int64
	rejected   int64
	seen       map[string]bool
	last       []delivery
	since      time.Time
}

func newReceiver(secret string) *receiver {
	return &receiver{secret: secret, seen: make(map[string]bool), since: time.Now().UTC()}
}

func main() {
	addr := ":8080"
	if v := os.Getenv("ADDR"); v != "" {
		addr = v
	}
	rcv := newReceiver(os.Getenv("SECRET"))

	mux := http.NewServeMux()
	mux.HandleFunc("/hook", rcv.hook)
	mux.HandleFunc("/stats", rcv.stats)
	mux.HandleFunc("/reset", rcv.reset)
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprintln(w, "ok")
	})

	log.Printf("webhook-receiver listening on %s (signature check: %t)", addr, rcv.secret != "")
	log.Fatal(http.ListenAndServe(addr, mux))
}

func (rcv *receiver) hook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "read body", http.StatusBadRequest)
		return
	}

	if rcv.secret != "" && !verify(rcv.secret, body, r.Header.Get(headerSignature)) {
		rcv.mu.Lock()
		rcv.rejected++
		rcv.mu.Unlock()
		log.Printf("rejected delivery %s: bad signature", r.Header.Get(headerDeliveryID))
		http.Error(w, "bad signature", http.StatusUnauthorized)
		return
	}

	var d delivery
	if err := json.Unmarshal(body, &d); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	d.ReceivedAt = time.Now().UTC().Format(time.RFC3339Nano)

	rcv.mu.Lock()
	rcv.count++
	d.Duplicate = rcv.seen[d.DeliveryID]
	if d.Duplicate {
		rcv.duplicates++
	}
	rcv.seen[d.DeliveryID] = true
	rcv.last = append(rcv.last, d)
	if len(rcv.last) > maxStored {
		rcv.last = rcv.last[len(rcv.last)-maxStored:]
	}
	current := rcv.count
	rcv.mu.Unlock()

	log.Printf("alarm #%d: %s alarm=%d event=%s user=%d/%d duplicate=%t",
		current, d.Action, d.AlarmID, d.EventID, d.ContextID, d.UserID, d.Duplicate)
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprintf(w, `{"received":%d}`, current)
}

func (rcv *receiver) stats(w http.ResponseWriter, _ *http.Request) {
	rcv.mu.Lock()
	s := stats{
		Count:      rcv.count,
		Duplicates: rcv.duplicates,
		Rejected:   rcv.rejected,
		Last:       append([]delivery(nil), rcv.last...),
		Since:      rcv.since.Format(time.RFC3339),
	}
	rcv.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(s)
}

func (rcv *receiver) reset(w http.ResponseWriter, _ *http.Request) {
	rcv.mu.Lock()
	rcv.count, rcv.duplicates, rcv.rejected = 0, 0, 0
	rcv.seen = make(map[string]bool)
	rcv.last = nil
	rcv.since = time.Now().UTC()
	rcv.mu.Unlock()
	fmt.Fprintln(w, "reset")
}

// verify matches the sender's hex HMAC-SHA256 of the raw body.
func verify(secret string, body []byte, signature string) bool {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signature))
}
