package utils

import (
	"bufio"
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestSplitJpeg(t *testing.T) {
	// Construct a stream containing: [Garbage] [JPEG] [Garbage]
	jpegData := []byte{0xFF, 0xD8, 0x01, 0x02, 0x03, 0xFF, 0xD9}

	streamData := []byte{0x00, 0x00}
	streamData = append(streamData, jpegData...)
	streamData = append(streamData, []byte{0x00, 0x00}...)

	scanner := bufio.NewScanner(bytes.NewReader(streamData))
	scanner.Split(SplitJpeg)

	if !scanner.Scan() {
		t.Fatal("Expected to find a token, got EOF")
	}
	if !bytes.Equal(scanner.Bytes(), jpegData) {
		t.Errorf("Expected %X, got %X", jpegData, scanner.Bytes())
	}

	// Trailing garbage is not a JPEG
	if scanner.Scan() {
		t.Error("Expected only one token, found more")
	}
}

func TestSplitJpegBackToBack(t *testing.T) {
	a := []byte{0xFF, 0xD8, 0xAA, 0xFF, 0xD9}
	b := []byte{0xFF, 0xD8, 0xBB, 0xBB, 0xFF, 0xD9}

	scanner := bufio.NewScanner(bytes.NewReader(append(append([]byte{}, a...), b...)))
	scanner.Split(SplitJpeg)

	var got [][]byte
	for scanner.Scan() {
		got = append(got, append([]byte{}, scanner.Bytes()...))
	}
	if len(got) != 2 {
		t.Fatalf("Expected 2 frames, got %d", len(got))
	}
	if !bytes.Equal(got[0], a) || !bytes.Equal(got[1], b) {
		t.Errorf("Frames split incorrectly: %X", got)
	}
}

func TestFrameFileName(t *testing.T) {
	if got := FrameFileName(7); got != "frame_00007.jpg" {
		t.Errorf("FrameFileName(7) = %s", got)
	}
}

func TestDatasetID(t *testing.T) {
	dir := t.TempDir()

	id, err := DatasetID(dir, 5)
	if err != nil || id == "" {
		t.Fatalf("Failed to generate ID: %v", err)
	}

	// Verify Determinism
	id2, _ := DatasetID(dir, 5)
	if id != id2 {
		t.Errorf("Hash is not deterministic. Got %s, then %s", id, id2)
	}

	// Verify Sensitivity (frame count)
	id3, _ := DatasetID(dir, 6)
	if id == id3 {
		t.Error("Hash did not change with frame count")
	}

	// Verify Sensitivity (folder modified)
	later := time.Now().Add(time.Hour)
	if err := os.WriteFile(filepath.Join(dir, "frame_00000.jpg"), []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.Chtimes(dir, later, later); err != nil {
		t.Fatal(err)
	}
	id4, _ := DatasetID(dir, 5)
	if id == id4 {
		t.Error("Hash did not change after folder modification")
	}

	if _, err := DatasetID(filepath.Join(dir, "missing"), 1); err == nil {
		t.Error("Expected error for missing folder")
	}
}
