package merge

import (
	"errors"
	"testing"

	"github.com/sungwon/mail-dispatch/internal/storage"
)

func TestExpand_OneMessagePerContext(t *testing.T) {
	tmpl := Template{
		From:     "sender@example.com",
		Subject:  "Hello {{name}}",
		Body:     "Dear {{name}}, your code is {{code}}.",
		BodyType: "text",
		Contexts: []Context{
			{To: []string{"ana@example.com"}, Context: map[string]any{"name": "Ana", "code": "A1"}},
			{To: []string{"bob@example.com"}, Context: map[string]any{"name": "Bob", "code": "B2"}},
			{To: []string{"cam@example.com"}, Context: map[string]any{"name": "Cam", "code": "C3"}},
		},
	}

	msgs, err := Expand(tmpl)
	if err != nil {
		t.Fatalf("Expand() error = %v", err)
	}
	if len(msgs) != len(tmpl.Contexts) {
		t.Fatalf("Expand() produced %d messages, want %d", len(msgs), len(tmpl.Contexts))
	}

	if msgs[0].Email.Subject != "Hello Ana" {
		t.Errorf("subject = %q, want %q", msgs[0].Email.Subject, "Hello Ana")
	}
	if msgs[1].Email.Body != "Dear Bob, your code is B2." {
		t.Errorf("body = %q", msgs[1].Email.Body)
	}
	if msgs[2].Email.To[0] != "cam@example.com" {
		t.Errorf("to = %v", msgs[2].Email.To)
	}
}

func TestExpand_PerContextScheduling(t *testing.T) {
	early := int64(1700000000000)
	late := int64(1800000000000)

	tmpl := Template{
		From:     "sender@example.com",
		Subject:  "s",
		Body:     "b",
		BodyType: "text",
		Contexts: []Context{
			{To: []string{"a@example.com"}, Tag: "batch-1", DelayTimestamp: &early, Context: map[string]any{}},
			{To: []string{"b@example.com"}, Tag: "batch-2", DelayTimestamp: &late, Context: map[string]any{}},
			{To: []string{"c@example.com"}, Context: map[string]any{}},
		},
	}

	msgs, err := Expand(tmpl)
	if err != nil {
		t.Fatalf("Expand() error = %v", err)
	}

	if msgs[0].Tag != "batch-1" || msgs[1].Tag != "batch-2" || msgs[2].Tag != "" {
		t.Errorf("tags = %q, %q, %q", msgs[0].Tag, msgs[1].Tag, msgs[2].Tag)
	}
	if msgs[0].DelayTimestamp == nil || *msgs[0].DelayTimestamp != early {
		t.Errorf("message 0 delay = %v, want %d", msgs[0].DelayTimestamp, early)
	}
	if msgs[2].DelayTimestamp != nil {
		t.Errorf("message 2 delay = %v, want nil", msgs[2].DelayTimestamp)
	}
}

func TestExpand_MessagesAreIndependent(t *testing.T) {
	tmpl := Template{
		From:        "sender@example.com",
		Subject:     "s",
		Body:        "b",
		BodyType:    "text",
		Attachments: []storage.Attachment{{Filename: "a.txt", Content: "aGk="}},
		Contexts: []Context{
			{To: []string{"a@example.com"}, Context: map[string]any{}},
			{To: []string{"b@example.com"}, Context: map[string]any{}},
		},
	}

	msgs, err := Expand(tmpl)
	if err != nil {
		t.Fatalf("Expand() error = %v", err)
	}

	msgs[0].Email.To[0] = "mutated@example.com"
	msgs[0].Email.Attachments[0].Filename = "mutated.txt"

	if msgs[1].Email.To[0] != "b@example.com" {
		t.Errorf("mutating one message leaked into another: to = %v", msgs[1].Email.To)
	}
	if msgs[1].Email.Attachments[0].Filename != "a.txt" {
		t.Errorf("mutating one attachment leaked into another: %q", msgs[1].Email.Attachments[0].Filename)
	}
}

func TestExpand_GoTemplateDialect(t *testing.T) {
	tmpl := Template{
		From:     "sender@example.com",
		Subject:  "Hi {{.name}}",
		Body:     "b",
		BodyType: "text",
		Dialect:  DialectGoTemplate,
		Contexts: []Context{
			{To: []string{"a@example.com"}, Context: map[string]any{"name": "Ana"}},
		},
	}

	msgs, err := Expand(tmpl)
	if err != nil {
		t.Fatalf("Expand() error = %v", err)
	}
	if msgs[0].Email.Subject != "Hi Ana" {
		t.Errorf("subject = %q, want %q", msgs[0].Email.Subject, "Hi Ana")
	}
}

func TestExpand_UnsupportedDialect(t *testing.T) {
	tmpl := Template{
		From:     "sender@example.com",
		Subject:  "s",
		Body:     "b",
		BodyType: "text",
		Dialect:  "jinja2",
		Contexts: []Context{
			{To: []string{"a@example.com"}, Context: map[string]any{}},
		},
	}

	if _, err := Expand(tmpl); !errors.Is(err, ErrUnsupportedDialect) {
		t.Errorf("Expand() error = %v, want ErrUnsupportedDialect", err)
	}
}

func TestExpand_NoContexts(t *testing.T) {
	msgs, err := Expand(Template{From: "s@example.com", Subject: "s", Body: "b"})
	if err != nil {
		t.Fatalf("Expand() error = %v", err)
	}
	if len(msgs) != 0 {
		t.Errorf("Expand() with no contexts produced %d messages", len(msgs))
	}
}

func TestForDialect_DefaultIsMustache(t *testing.T) {
	r, err := ForDialect("")
	if err != nil {
		t.Fatalf("ForDialect(\"\") error = %v", err)
	}

	out, err := r.Render("Hello {{name}}", map[string]any{"name": "Ana"})
	if err != nil {
		t.Fatalf("Render() error = %v", err)
	}
	if out != "Hello Ana" {
		t.Errorf("Render() = %q, want %q", out, "Hello Ana")
	}
}
