package broker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/taskweave/taskweave/internal/config"
)

func TestRunHandler(t *testing.T) {
	background := context.Background()
	failing := errors.New("boom")

	tests := []struct {
		name        string
		outcomes    []error // per-attempt handler errors, nil = success
		disposition Disposition
		maxRetries  int
		want        Disposition
		wantSleeps  []time.Duration
		wantRetries []int
	}{
		{
			name:        "first attempt succeeds",
			outcomes:    []error{nil},
			disposition: Ack,
			maxRetries:  1,
			want:        Ack,
		},
		{
			name:        "retry after one failure",
			outcomes:    []error{failing, nil},
			disposition: Ack,
			maxRetries:  2,
			want:        Ack,
			wantSleeps:  []time.Duration{1 * time.Second},
			wantRetries: []int{1},
		},
		{
			name:        "quadratic backoff then reject",
			outcomes:    []error{failing, failing, failing},
			disposition: Ack,
			maxRetries:  2,
			want:        Reject,
			wantSleeps:  []time.Duration{1 * time.Second, 4 * time.Second},
			wantRetries: []int{1, 2},
		},
		{
			name:        "clean reject is final without retries",
			outcomes:    []error{nil},
			disposition: Reject,
			maxRetries:  2,
			want:        Reject,
		},
		{
			name:        "requeue passes through",
			outcomes:    []error{nil},
			disposition: NackRequeue,
			maxRetries:  2,
			want:        NackRequeue,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			attempt := 0
			handler := func(ctx context.Context, d Delivery) (Disposition, error) {
				err := tt.outcomes[attempt]
				attempt++
				return tt.disposition, err
			}

			var sleeps []time.Duration
			var retries []int
			got := runHandler(background, handler, Delivery{}, tt.maxRetries, time.Second,
				func(d time.Duration) { sleeps = append(sleeps, d) },
				func(attempt int, err error) { retries = append(retries, attempt) })

			if got != tt.want {
				t.Errorf("got disposition %d, want %d", got, tt.want)
			}
			if len(sleeps) != len(tt.wantSleeps) {
				t.Fatalf("got %d sleeps, want %d", len(sleeps), len(tt.wantSleeps))
			}
			for i := range sleeps {
				if sleeps[i] != tt.wantSleeps[i] {
					t.Errorf("sleep %d: got %v, want %v", i, sleeps[i], tt.wantSleeps[i])
				}
			}
			if len(retries) != len(tt.wantRetries) {
				t.Fatalf("got retries %v, want %v", retries, tt.wantRetries)
			}
		})
	}
}

func TestTopology(t *testing.T) {
	cfg := config.Default()
	specs := Topology(cfg)

	byQueue := make(map[string]QueueSpec, len(specs))
	for _, s := range specs {
		byQueue[s.Queue] = s
	}

	retry, ok := byQueue[QueueInsertRetry]
	if !ok {
		t.Fatal("insert retry queue missing")
	}
	if !retry.Parking || retry.TTL != cfg.Lock.SessionLockWait {
		t.Errorf("retry queue not parked on lock wait: %+v", retry)
	}
	if retry.DeadLetter == nil || retry.DeadLetter.RoutingKey != RouteInsert {
		t.Errorf("retry queue must dead-letter back to insert: %+v", retry.DeadLetter)
	}

	notify, ok := byQueue[QueueBufferNotify]
	if !ok {
		t.Fatal("buffer notify queue missing")
	}
	if !notify.Parking || notify.TTL != cfg.Buffer.TTL {
		t.Errorf("notify queue not parked on buffer ttl: %+v", notify)
	}
	if notify.DeadLetter == nil || notify.DeadLetter.RoutingKey != RouteBufferProcess {
		t.Errorf("notify queue must dead-letter to buffer process: %+v", notify.DeadLetter)
	}

	for _, queue := range []string{QueueInsertEntry, QueueBufferProcess, QueueTaskComplete} {
		s, ok := byQueue[queue]
		if !ok {
			t.Fatalf("queue %s missing", queue)
		}
		if s.Parking || s.TTL != 0 || s.DeadLetter != nil {
			t.Errorf("consumed queue %s must not park or expire: %+v", queue, s)
		}
	}
}
