package secmem

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"testing"
)

func TestRevealReturnsOriginalValue(t *testing.T) {
	s := New("collector-token")
	if got := s.Reveal(); got != "collector-token" {
		t.Fatalf("Reveal() = %q", got)
	}
	if s.Empty() {
		t.Fatal("Empty() on a set secret")
	}
}

func TestNilSecret(t *testing.T) {
	var s *Secret
	if s.Reveal() != "" || !s.Empty() || s.Wiped() {
		t.Fatal("nil secret should reveal nothing and not be wiped")
	}
	s.Zero()
}

func TestZeroWipesData(t *testing.T) {
	s := New("collector-token")
	backing := s.data
	s.Zero()

	if s.Reveal() != "" || !s.Wiped() || !s.Empty() {
		t.Fatal("secret still readable after Zero")
	}
	for i, b := range backing {
		if b != 0 {
			t.Fatalf("byte %d = %d after Zero", i, b)
		}
	}
}

func TestFormattingIsRedacted(t *testing.T) {
	s := New("collector-token")
	for _, verb := range []string{"%s", "%v", "%+v", "%#v", "%q", "%x", "%d"} {
		if out := fmt.Sprintf(verb, s); strings.Contains(out, "collector") {
			t.Errorf("%s leaked the value: %s", verb, out)
		}
	}
	if s.String() != redacted || s.GoString() != redacted {
		t.Error("String/GoString not redacted")
	}
}

func TestLoggingIsRedacted(t *testing.T) {
	var buf strings.Builder
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	logger.Info("connecting", "token", New("collector-token"))
	if strings.Contains(buf.String(), "collector") {
		t.Fatalf("log leaked the value: %s", buf.String())
	}
}

func TestJSONIsRedactedAndOneWay(t *testing.T) {
	type cfg struct {
		URL   string  `json:"url"`
		Token *Secret `json:"token"`
	}
	data, err := json.Marshal(cfg{URL: "wss://x", Token: New("collector-token")})
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(string(data), "collector") {
		t.Fatalf("JSON leaked the value: %s", data)
	}

	var back cfg
	if err := json.Unmarshal(data, &back); !errors.Is(err, ErrNoDecode) {
		t.Fatalf("Unmarshal err = %v, want ErrNoDecode", err)
	}
}

func TestConcurrentRevealAndZero(t *testing.T) {
	s := New("collector-token")
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			if v := s.Reveal(); v != "" && v != "collector-token" {
				t.Errorf("torn read %q", v)
			}
		}()
		go func() {
			defer wg.Done()
			s.Zero()
		}()
	}
	wg.Wait()
}
