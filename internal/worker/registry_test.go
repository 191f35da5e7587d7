package worker

import (
	"context"
	"testing"

	"github.com/Iron-Ham/sessiond/internal/errors"
)

func TestRegistry_RoutesByBotType(t *testing.T) {
	var hits []string
	reg := NewRegistry(nil)
	reg.Register("design", ClientFunc(func(ctx context.Context, req Request) (Response, error) {
		hits = append(hits, "design")
		return Response{Status: StatusCompleted}, nil
	}))
	reg.Register("security", ClientFunc(func(ctx context.Context, req Request) (Response, error) {
		hits = append(hits, "security")
		return Response{Status: StatusCompleted}, nil
	}))

	for _, bot := range []string{"security", "design"} {
		if _, err := reg.Dispatch(context.Background(), Request{BotType: bot}); err != nil {
			t.Fatalf("Dispatch(%s): %v", bot, err)
		}
	}
	if len(hits) != 2 || hits[0] != "security" || hits[1] != "design" {
		t.Errorf("hits = %v", hits)
	}
	if got := reg.Workers(); len(got) != 2 || got[0] != "design" {
		t.Errorf("Workers() = %v", got)
	}
}

func TestRegistry_UnknownWorker(t *testing.T) {
	reg := NewRegistry(nil)

	_, err := reg.Dispatch(context.Background(), Request{BotType: "ghost", SessionID: "s1"})
	if !errors.Is(err, errors.ErrUnknownWorker) {
		t.Fatalf("error = %v, want ErrUnknownWorker", err)
	}
	if errors.KindOf(err) != errors.KindExternalService {
		t.Errorf("KindOf = %q", errors.KindOf(err))
	}
}

func TestRegistry_Fallback(t *testing.T) {
	called := false
	reg := NewRegistry(ClientFunc(func(ctx context.Context, req Request) (Response, error) {
		called = true
		return Response{Status: StatusCompleted}, nil
	}))

	if _, err := reg.Dispatch(context.Background(), Request{BotType: "anything"}); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if !called {
		t.Error("fallback client should serve unregistered workers")
	}
}

func TestRegistry_Health(t *testing.T) {
	fail := true
	reg := NewRegistry(nil)
	reg.Register("design", ClientFunc(func(ctx context.Context, req Request) (Response, error) {
		if fail {
			return Response{}, errors.NewWorkerError("boom", nil)
		}
		return Response{Status: StatusCompleted}, nil
	}))

	for range unhealthyAfter {
		_, _ = reg.Dispatch(context.Background(), Request{BotType: "design"})
	}

	health := reg.Health()
	if len(health) != 1 {
		t.Fatalf("Health() = %v", health)
	}
	h := health[0]
	if h.Healthy || h.Calls != unhealthyAfter || h.Failures != unhealthyAfter || h.LastError == "" {
		t.Errorf("after failures: %+v", h)
	}

	fail = false
	_, _ = reg.Dispatch(context.Background(), Request{BotType: "design"})

	h = reg.Health()[0]
	if !h.Healthy || h.ConsecutiveFailures != 0 || h.LastError != "" || h.Failures != unhealthyAfter {
		t.Errorf("after recovery: %+v", h)
	}
}
