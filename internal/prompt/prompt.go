// Package prompt assembles the system instruction sent to the agent when a
// call opens.
//
// The agent acts as a proxy on a live phone call. Caller audio is the
// conversation; text arriving on the session is a silent directive from the
// supervisor, tagged with [CommandTag], which the agent must act on in its
// next spoken reply without reading it aloud.
package prompt

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"
)

// CommandTag prefixes supervisor directives on the wire.
const CommandTag = "[SYSTEM_COMMAND]"

// MaxDocumentChars caps the characters taken from each reference document.
const MaxDocumentChars = 20000

// Languages lists the conversation languages offered by front-ends.
var Languages = []string{
	"English",
	"Chinese (Mandarin)",
	"Spanish",
	"French",
	"German",
	"Japanese",
	"Korean",
	"Hindi",
	"Portuguese",
}

// Document is a plain-text reference file appended to the instruction.
type Document struct {
	// Name is shown in the document header, usually the file's base name.
	Name string

	// Content is the extracted text.
	Content string
}

// DefaultInstruction returns the built-in proxy instruction for a call held
// in language. An empty language means English.
func DefaultInstruction(language string) string {
	language = strings.TrimSpace(language)
	if language == "" {
		language = "English"
	}

	var sb strings.Builder
	sb.WriteString("You are an AI phone assistant speaking on behalf of your supervisor on a live call.\n\n")
	sb.WriteString("How to treat your inputs:\n")
	fmt.Fprintf(&sb, "1. Audio is the caller, the person on the other end of the line. Talk with them naturally in %s. Keep replies short, as suits a phone call.\n", language)
	fmt.Fprintf(&sb, "2. Text starting with %s is a private order from your supervisor. It is not part of the conversation.\n", CommandTag)
	sb.WriteString("   - Never read it aloud and never answer it directly.\n")
	sb.WriteString("   - Adjust your behaviour, tone or topic at once and carry it out in your next reply to the caller.\n")
	sb.WriteString("3. If the caller asks who you are, say that you are an AI assistant.\n\n")
	sb.WriteString("Example:\n")
	sb.WriteString("- Caller (audio): \"Why is the price so high?\"\n")
	fmt.Fprintf(&sb, "- Supervisor (text): \"%s: Offer a 20%% discount.\"\n", CommandTag)
	sb.WriteString("- You say: \"I understand. I can offer you a 20% discount right now.\"")
	return sb.String()
}

// Build returns the instruction for a call. A blank instruction is replaced
// by [DefaultInstruction] for language. Each document is truncated to
// [MaxDocumentChars] characters and appended under its own header; empty
// documents are skipped.
func Build(instruction, language string, docs []Document) string {
	if strings.TrimSpace(instruction) == "" {
		instruction = DefaultInstruction(language)
	}

	var sb strings.Builder
	sb.WriteString(instruction)

	wroteHeader := false
	for _, d := range docs {
		if strings.TrimSpace(d.Content) == "" {
			continue
		}
		if !wroteHeader {
			sb.WriteString("\n\nREFERENCE DOCUMENTS (use these to answer the caller's questions where relevant):\n\n")
			wroteHeader = true
		}
		fmt.Fprintf(&sb, "--- BEGIN %s ---\n%s\n--- END %s ---\n\n", d.Name, truncate(d.Content, MaxDocumentChars), d.Name)
	}
	return strings.TrimRight(sb.String(), "\n")
}

// LoadDocuments reads each path as a plain-text reference document.
// Invalid UTF-8 is rejected since binary files would only confuse the agent.
func LoadDocuments(paths []string) ([]Document, error) {
	docs := make([]Document, 0, len(paths))
	for _, p := range paths {
		data, err := os.ReadFile(p)
		if err != nil {
			return nil, fmt.Errorf("prompt: read document %q: %w", p, err)
		}
		if !utf8.Valid(data) {
			return nil, fmt.Errorf("prompt: document %q is not UTF-8 text", p)
		}
		docs = append(docs, Document{Name: filepath.Base(p), Content: string(data)})
	}
	return docs, nil
}

// truncate returns the first n characters of s.
func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	i := 0
	for pos := range s {
		if i == n {
			return s[:pos]
		}
		i++
	}
	return s
}
