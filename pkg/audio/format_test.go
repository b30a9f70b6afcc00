package audio_test

import (
	"errors"
	"testing"
	"time"

	"github.com/MrWong99/earshot/pkg/audio"
)

func TestFormat_Validate(t *testing.T) {
	tests := []struct {
		name    string
		format  audio.Format
		wantErr bool
	}{
		{"default", audio.DefaultFormat, false},
		{"24k", audio.Format{SampleRate: 24000, BitsPerSample: 16, Channels: 1}, false},
		{"48k rejected", audio.Format{SampleRate: 48000, BitsPerSample: 16, Channels: 1}, true},
		{"8 bit rejected", audio.Format{SampleRate: 16000, BitsPerSample: 8, Channels: 1}, true},
		{"stereo rejected", audio.Format{SampleRate: 16000, BitsPerSample: 16, Channels: 2}, true},
		{"zero value", audio.Format{}, true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.format.Validate()
			if tc.wantErr {
				if err == nil {
					t.Fatal("expected error, got nil")
				}
				if !errors.Is(err, audio.ErrInvalidFormat) {
					t.Errorf("error %v does not wrap ErrInvalidFormat", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}

func TestFormat_Sizes(t *testing.T) {
	f := audio.DefaultFormat
	if got := f.BytesPerSecond(); got != 32000 {
		t.Errorf("BytesPerSecond = %d, want 32000", got)
	}
	if got := f.ChunkSize(100 * time.Millisecond); got != 3200 {
		t.Errorf("ChunkSize(100ms) = %d, want 3200", got)
	}
	if got := f.Duration(16000); got != 500*time.Millisecond {
		t.Errorf("Duration(16000) = %v, want 500ms", got)
	}
	if got := f.String(); got != "16000Hz/16bit/mono" {
		t.Errorf("String = %q", got)
	}
}
