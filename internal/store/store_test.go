package store

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/LastBotInc/coralie-interview-session/internal/models"
)

func openTestArchive(t *testing.T) *Archive {
	t.Helper()
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("DATABASE_URL not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	a, err := Open(ctx, dsn)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(a.Close)
	return a
}

func TestSaveAndLoadSegments(t *testing.T) {
	a := openTestArchive(t)
	ctx := context.Background()
	callID := "test-" + uuid.NewString()

	conf := 0.9
	for i, text := range []string{"first", "second"} {
		seg := models.Segment{
			ID:         uuid.NewString(),
			SpeakerID:  "user-1",
			Text:       text,
			StartTime:  float64(i),
			EndTime:    float64(i) + 0.5,
			Confidence: &conf,
			CreatedAt:  time.Now().UTC(),
		}
		if err := a.SaveSegment(ctx, callID, seg); err != nil {
			t.Fatalf("save: %v", err)
		}
		// Duplicate saves are ignored
		if err := a.SaveSegment(ctx, callID, seg); err != nil {
			t.Fatalf("duplicate save: %v", err)
		}
	}

	segments, err := a.LoadSegments(ctx, callID)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(segments) != 2 || segments[0].Text != "first" || segments[1].Text != "second" {
		t.Fatalf("unexpected segments: %+v", segments)
	}
	if segments[0].Confidence == nil || *segments[0].Confidence != conf {
		t.Fatal("confidence not round-tripped")
	}
}
