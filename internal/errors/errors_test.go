package errors

import (
	stderrors "errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestNew(t *testing.T) {
	tests := []struct {
		name    string
		code    string
		wantMsg string
		wantCat Category
	}{
		{
			name:    "compile error",
			code:    CodeCompile,
			wantMsg: "Compile failed",
			wantCat: CategoryCompile,
		},
		{
			name:    "load error",
			code:    CodeLoad,
			wantMsg: "Server artifact failed to load",
			wantCat: CategoryRuntime,
		},
		{
			name:    "config error",
			code:    CodeConfigNotFound,
			wantMsg: "Configuration file not found",
			wantCat: CategoryConfig,
		},
		{
			name:    "unknown error code",
			code:    "E999",
			wantMsg: "Unknown error",
			wantCat: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := New(tt.code)
			if err.Message != tt.wantMsg {
				t.Errorf("Message = %q, want %q", err.Message, tt.wantMsg)
			}
			if err.Category != tt.wantCat {
				t.Errorf("Category = %q, want %q", err.Category, tt.wantCat)
			}
			if err.Code != tt.code {
				t.Errorf("Code = %q, want %q", err.Code, tt.code)
			}
		})
	}
}

func TestNewf(t *testing.T) {
	err := Newf(CategoryRuntime, "file %q not found", "server")
	if err.Message != `file "server" not found` {
		t.Errorf("Message = %q, want %q", err.Message, `file "server" not found`)
	}
	if err.Category != CategoryRuntime {
		t.Errorf("Category = %q, want %q", err.Category, CategoryRuntime)
	}
}

func TestHotserveError_Error(t *testing.T) {
	err := New(CodeLoad)
	if got, want := err.Error(), "E302: Server artifact failed to load"; got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}

	wrapped := New(CodeLoad).Wrap(stderrors.New("exec format error"))
	if got, want := wrapped.Error(), "E302: Server artifact failed to load: exec format error"; got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}

	plain := &HotserveError{Message: "test error"}
	if plain.Error() != "test error" {
		t.Errorf("Error() = %q, want %q", plain.Error(), "test error")
	}
}

func TestHotserveError_Unwrap(t *testing.T) {
	cause := stderrors.New("boom")
	err := New(CodeListen).Wrap(cause)
	if !stderrors.Is(err, cause) {
		t.Error("errors.Is should find the wrapped cause")
	}
}

func TestHotserveError_WithLocation(t *testing.T) {
	tmpDir := t.TempDir()
	tmpFile := filepath.Join(tmpDir, "main.go")
	content := `package main

func main() {
	listener := listen()
	serve(listener)
	undefinedCall()
}
`
	if err := os.WriteFile(tmpFile, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	err := New(CodeCompile).WithLocation(tmpFile, 6, 2)
	if err.Location == nil {
		t.Fatal("Location is nil")
	}
	if err.Location.Line != 6 || err.Location.Column != 2 {
		t.Errorf("Location = %v, want line 6 column 2", err.Location)
	}
	if len(err.Context) == 0 {
		t.Error("Context should not be empty")
	}
}

func TestHotserveError_WithLocationFromError(t *testing.T) {
	err := New(CodeCompile).WithLocationFromError(stderrors.New("cmd/server/main.go:12:5: undefined: foo"))
	if err.Location == nil {
		t.Fatal("Location is nil")
	}
	if err.Location.File != "cmd/server/main.go" || err.Location.Line != 12 || err.Location.Column != 5 {
		t.Errorf("Location = %+v", err.Location)
	}

	noLoc := New(CodeCompile).WithLocationFromError(stderrors.New("build failed"))
	if noLoc.Location != nil {
		t.Errorf("Location = %+v, want nil", noLoc.Location)
	}
}

func TestFromError(t *testing.T) {
	if FromError(nil, CodeLoad) != nil {
		t.Error("FromError(nil) should be nil")
	}

	coded := New(CodeListen)
	if got := FromError(coded, CodeLoad); got != coded {
		t.Error("FromError should return an existing HotserveError unchanged")
	}

	got := FromError(stderrors.New("plain"), CodeLoad)
	if got.Code != CodeLoad {
		t.Errorf("Code = %q, want %q", got.Code, CodeLoad)
	}
}

func TestHasCode(t *testing.T) {
	inner := New(CodeDisposalTimeout)
	outer := New(CodeLoad).Wrap(inner)

	if !HasCode(outer, CodeLoad) {
		t.Error("HasCode should match the outer code")
	}
	if !HasCode(outer, CodeDisposalTimeout) {
		t.Error("HasCode should match a wrapped code")
	}
	if HasCode(outer, CodeCompile) {
		t.Error("HasCode should not match an absent code")
	}
	if HasCode(stderrors.New("x"), CodeCompile) {
		t.Error("HasCode should be false for plain errors")
	}
}

func TestFormat(t *testing.T) {
	DisableColors()
	defer EnableColors()

	err := New(CodeCompile).
		WithDetail("main.go:3:1: syntax error\nmain.go:4:1: undefined: x").
		WithSuggestion("Fix the error and save")
	out := err.Format()

	for _, want := range []string{
		"ERROR E301: Compile failed",
		"  main.go:3:1: syntax error",
		"  main.go:4:1: undefined: x",
		"Hint: Fix the error and save",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("Format() missing %q in:\n%s", want, out)
		}
	}
	if strings.Contains(out, "\033[") {
		t.Error("Format() should not contain ANSI codes when colors are disabled")
	}
}

func TestFormatCompact(t *testing.T) {
	err := New(CodeCompile).WithLocationFromError(stderrors.New("a.go:1:2: x"))
	if got, want := err.FormatCompact(), "a.go:1:2: E301: Compile failed"; got != want {
		t.Errorf("FormatCompact() = %q, want %q", got, want)
	}
}

func TestWrapText(t *testing.T) {
	lines := wrapText("one two three four five six seven", 10)
	for _, line := range lines {
		if len(line) > 10 {
			t.Errorf("line %q exceeds width", line)
		}
	}
	if strings.Join(lines, " ") != "one two three four five six seven" {
		t.Errorf("wrapText lost words: %v", lines)
	}
	if wrapText("", 10) != nil {
		t.Error("wrapText(\"\") should be nil")
	}
}
