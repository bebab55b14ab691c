package prompt_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/MrWong99/callbridge/internal/prompt"
)

func TestDefaultInstruction_Language(t *testing.T) {
	t.Parallel()
	tests := []struct {
		language string
		want     string
	}{
		{"German", "naturally in German"},
		{"Chinese (Mandarin)", "naturally in Chinese (Mandarin)"},
		{"", "naturally in English"},
		{"  ", "naturally in English"},
	}
	for _, tc := range tests {
		got := prompt.DefaultInstruction(tc.language)
		if !strings.Contains(got, tc.want) {
			t.Errorf("DefaultInstruction(%q) should contain %q:\n%s", tc.language, tc.want, got)
		}
	}
}

func TestDefaultInstruction_MentionsCommandTag(t *testing.T) {
	t.Parallel()
	got := prompt.DefaultInstruction("English")
	if !strings.Contains(got, prompt.CommandTag) {
		t.Errorf("instruction should explain %s directives", prompt.CommandTag)
	}
	if !strings.Contains(got, "Never read it aloud") {
		t.Error("instruction should forbid reading directives aloud")
	}
}

func TestBuild_BlankInstructionUsesDefault(t *testing.T) {
	t.Parallel()
	got := prompt.Build("", "French", nil)
	if got != prompt.DefaultInstruction("French") {
		t.Errorf("Build with blank instruction:\ngot  %q\nwant %q", got, prompt.DefaultInstruction("French"))
	}
}

func TestBuild_CustomInstructionKept(t *testing.T) {
	t.Parallel()
	got := prompt.Build("Sell the premium plan.", "English", nil)
	if got != "Sell the premium plan." {
		t.Errorf("got %q", got)
	}
}

func TestBuild_AppendsDocuments(t *testing.T) {
	t.Parallel()
	got := prompt.Build("Be helpful.", "English", []prompt.Document{
		{Name: "pricing.txt", Content: "Basic costs 10 EUR."},
		{Name: "empty.txt", Content: "   "},
		{Name: "faq.txt", Content: "We open at 9."},
	})

	if !strings.HasPrefix(got, "Be helpful.\n\nREFERENCE DOCUMENTS") {
		t.Errorf("documents should follow the instruction under one header:\n%s", got)
	}
	if strings.Count(got, "REFERENCE DOCUMENTS") != 1 {
		t.Error("header should appear once")
	}
	for _, want := range []string{
		"--- BEGIN pricing.txt ---\nBasic costs 10 EUR.\n--- END pricing.txt ---",
		"--- BEGIN faq.txt ---\nWe open at 9.\n--- END faq.txt ---",
	} {
		if !strings.Contains(got, want) {
			t.Errorf("missing %q in:\n%s", want, got)
		}
	}
	if strings.Contains(got, "empty.txt") {
		t.Error("empty documents should be skipped")
	}
	if strings.Index(got, "pricing.txt") > strings.Index(got, "faq.txt") {
		t.Error("documents should keep their order")
	}
}

func TestBuild_TruncatesDocuments(t *testing.T) {
	t.Parallel()
	long := strings.Repeat("ä", prompt.MaxDocumentChars+500)
	got := prompt.Build("x", "English", []prompt.Document{{Name: "big.txt", Content: long}})

	start := strings.Index(got, "--- BEGIN big.txt ---\n") + len("--- BEGIN big.txt ---\n")
	end := strings.Index(got, "\n--- END big.txt ---")
	body := got[start:end]
	if n := utf8.RuneCountInString(body); n != prompt.MaxDocumentChars {
		t.Errorf("document body: got %d characters, want %d", n, prompt.MaxDocumentChars)
	}
	if !utf8.ValidString(body) {
		t.Error("truncation split a multi-byte character")
	}
}

func TestLoadDocuments(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	good := filepath.Join(dir, "notes.txt")
	if err := os.WriteFile(good, []byte("call back on Friday"), 0o644); err != nil {
		t.Fatal(err)
	}
	binary := filepath.Join(dir, "blob.bin")
	if err := os.WriteFile(binary, []byte{0xff, 0xfe, 0x00}, 0o644); err != nil {
		t.Fatal(err)
	}

	docs, err := prompt.LoadDocuments([]string{good})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(docs) != 1 || docs[0].Name != "notes.txt" || docs[0].Content != "call back on Friday" {
		t.Errorf("got %+v", docs)
	}

	if _, err := prompt.LoadDocuments([]string{binary}); err == nil {
		t.Error("expected error for non-text document")
	}
	if _, err := prompt.LoadDocuments([]string{filepath.Join(dir, "missing.txt")}); err == nil {
		t.Error("expected error for missing document")
	}
}
