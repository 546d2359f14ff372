package framecodec

import (
	"bytes"
	"testing"
)

func TestDecoderBasicStdout(t *testing.T) {
	d := NewDecoder()
	frames := d.Feed([]byte{tagStdout, 'h', 'i'})
	if len(frames) != 1 {
		t.Fatalf("expected 1 frame, got %d", len(frames))
	}
	if frames[0].Kind != KindStdout || !bytes.Equal(frames[0].Data, []byte("hi")) {
		t.Errorf("unexpected frame: %+v", frames[0])
	}
}

func TestDecoderInterleavedStdoutStderr(t *testing.T) {
	d := NewDecoder()
	data := []byte{tagStdout, 'a', 'b', tagStderr, 'e', 'r', 'r'}
	frames := d.Feed(data)
	if len(frames) != 2 {
		t.Fatalf("expected 2 frames, got %d", len(frames))
	}
	if frames[0].Kind != KindStdout || string(frames[0].Data) != "ab" {
		t.Errorf("frame 0 = %+v", frames[0])
	}
	if frames[1].Kind != KindStderr || string(frames[1].Data) != "err" {
		t.Errorf("frame 1 = %+v", frames[1])
	}
}

func TestDecoderExitFrame(t *testing.T) {
	d := NewDecoder()
	frames := d.Feed([]byte{tagStdout, 'o', 'k', tagExit, 0x07})
	if len(frames) != 2 {
		t.Fatalf("expected 2 frames, got %d", len(frames))
	}
	if frames[1].Kind != KindExit || frames[1].ExitCode != 7 {
		t.Errorf("exit frame = %+v", frames[1])
	}
}

func TestDecoderSplitAcrossReads(t *testing.T) {
	d := NewDecoder()
	f1 := d.Feed([]byte{tagStdout, '{', '"', 't', 'y', 'p', 'e', '"', ':', '"', 'a', 's', 's'})
	f2 := d.Feed([]byte("istant\"}\n"))

	if len(f1) != 1 || len(f2) != 1 {
		t.Fatalf("expected one chunk per read, got %d and %d", len(f1), len(f2))
	}
	joined := append(append([]byte{}, f1[0].Data...), f2[0].Data...)
	want := `{"type":"assistant"}` + "\n"
	if string(joined) != want {
		t.Errorf("joined = %q, want %q", joined, want)
	}
}

func TestDecoderSplitTagAcrossReads(t *testing.T) {
	d := NewDecoder()
	// Tag byte arrives alone; payload arrives in the next Feed call.
	f1 := d.Feed([]byte{tagStdout})
	if len(f1) != 0 {
		t.Fatalf("expected no frame from a bare tag byte, got %d", len(f1))
	}
	f2 := d.Feed([]byte("hello"))
	if len(f2) != 1 || string(f2[0].Data) != "hello" {
		t.Fatalf("unexpected frames after tag-only read: %+v", f2)
	}
}

func TestDecoderZeroLengthDoesNotEmit(t *testing.T) {
	d := NewDecoder()
	frames := d.Feed(nil)
	if len(frames) != 0 {
		t.Errorf("expected no frames from empty feed, got %d", len(frames))
	}
	frames = d.Feed([]byte{tagStdout})
	if len(frames) != 0 {
		t.Errorf("expected no frames from a lone tag byte, got %d", len(frames))
	}
}

func TestDecoderExitByteSplitAcrossReads(t *testing.T) {
	d := NewDecoder()
	f1 := d.Feed([]byte{tagExit})
	if len(f1) != 0 {
		t.Fatalf("expected no frame before the exit byte arrives, got %d", len(f1))
	}
	f2 := d.Feed([]byte{3})
	if len(f2) != 1 || f2[0].Kind != KindExit || f2[0].ExitCode != 3 {
		t.Fatalf("unexpected exit frame: %+v", f2)
	}
}

func TestEncodeUserLine(t *testing.T) {
	got := EncodeUserLine([]byte(`{"type":"user"}`))
	want := []byte(`{"type":"user"}` + "\n")
	if !bytes.Equal(got, want) {
		t.Errorf("EncodeUserLine = %q, want %q", got, want)
	}
}

func TestEncodeInterrupt(t *testing.T) {
	got := EncodeInterrupt()
	if len(got) != 1 || got[0] != Interrupt {
		t.Errorf("EncodeInterrupt = %v, want [0x03]", got)
	}
}
