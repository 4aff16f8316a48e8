package plane

import (
	"strings"
	"testing"

	"github.com/odvcencio/warden/pkg/fserr"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	paths := []string{
		"main.go",
		"src/pkg/deep/file.txt",
		"with space.txt",
		"unicode-ü.md",
	}
	for _, p := range paths {
		decoded, err := DecodePath(EncodePath(p))
		if err != nil {
			t.Errorf("roundtrip %q failed: %v", p, err)
			continue
		}
		if decoded != p {
			t.Errorf("roundtrip %q = %q", p, decoded)
		}
	}
}

func TestDecodePathRejections(t *testing.T) {
	tests := []struct {
		name  string
		token string
	}{
		{"not base64", "!!!"},
		{"empty path", EncodePath("")},
		{"absolute path", EncodePath("/etc/passwd")},
		{"parent traversal", EncodePath("../secrets")},
		{"embedded traversal", EncodePath("a/../b")},
		{"dot segment", EncodePath("a/./b")},
		{"empty segment", EncodePath("a//b")},
		{"backslash", EncodePath(`a\b`)},
		{"nul byte", EncodePath("a\x00b")},
		{"too long", EncodePath(strings.Repeat("x", maxFilePathLen+1))},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := DecodePath(tt.token); !fserr.IsCode(err, fserr.CodeInvalidPath) {
				t.Errorf("got %v, want INVALID_PATH", err)
			}
		})
	}
}

func TestDecodePathMaxLength(t *testing.T) {
	exact := strings.Repeat("x", maxFilePathLen)
	if _, err := DecodePath(EncodePath(exact)); err != nil {
		t.Errorf("path of exactly %d bytes rejected: %v", maxFilePathLen, err)
	}
}

func TestResolveKinds(t *testing.T) {
	tests := []struct {
		path string
		kind targetKind
	}{
		{"/", kindRoot},
		{"", kindRoot},
		{"/new", kindNew},
		{"/policy", kindPolicy},
		{"/usage", kindUsage},
		{"/auth", kindAuthDir},
		{"/auth/status", kindAuthStatus},
		{"/auth/token", kindAuthToken},
		{"/providers", kindProvidersDir},
		{"/providers/docker", kindProviderDir},
		{"/providers/docker/info", kindProviderInfo},
		{"/providers/docker/health", kindProviderHealth},
		{"/sessions", kindSessionsDir},
		{"/sessions/s1", kindSessionDir},
		{"/sessions/s1/status", kindSessionStatus},
		{"/sessions/s1/result", kindSessionResult},
		{"/sessions/s1/usage", kindSessionUsage},
		{"/sessions/s1/ctl", kindSessionCtl},
		{"/sessions/s1/output", kindSessionOutput},
		{"/sessions/s1/exec", kindExecDir},
		{"/sessions/s1/exec/new", kindExecNew},
		{"/sessions/s1/exec/e1", kindExecEntryDir},
		{"/sessions/s1/exec/e1/status", kindExecStatus},
		{"/sessions/s1/exec/e1/output", kindExecOutput},
		{"/sessions/s1/files", kindFilesDir},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			got, err := resolve(tt.path)
			if err != nil {
				t.Fatalf("resolve(%q): %v", tt.path, err)
			}
			if got.kind != tt.kind {
				t.Errorf("kind = %v, want %v", got.kind, tt.kind)
			}
		})
	}
}

func TestResolveFileTargets(t *testing.T) {
	token := EncodePath("src/main.go")

	got, err := resolve("/sessions/s1/files/" + token)
	if err != nil {
		t.Fatal(err)
	}
	if got.kind != kindFile || got.filePath != "src/main.go" || got.session != "s1" {
		t.Errorf("file target = %+v", got)
	}

	got, err = resolve("/sessions/s1/files/" + token + "/chunks/3")
	if err != nil {
		t.Fatal(err)
	}
	if got.kind != kindChunk || got.chunk != 3 {
		t.Errorf("chunk target = %+v", got)
	}
}

func TestResolveErrors(t *testing.T) {
	notFound := []string{
		"/nope",
		"/new/extra",
		"/auth/unknown",
		"/providers/p/unknown",
		"/sessions/s1/unknown",
		"/sessions/s1/exec/e1/unknown",
		"/sessions/s1/files/" + EncodePath("f") + "/notchunks/1",
	}
	for _, p := range notFound {
		if _, err := resolve(p); !fserr.IsCode(err, fserr.CodeNotFound) {
			t.Errorf("resolve(%q) = %v, want NOT_FOUND", p, err)
		}
	}

	invalid := []string{
		"/sessions/s1/files/" + EncodePath("f") + "/chunks/-1",
		"/sessions/s1/files/" + EncodePath("f") + "/chunks/abc",
		"/sessions/s1/files/" + EncodePath("/abs"),
	}
	for _, p := range invalid {
		if _, err := resolve(p); !fserr.IsCode(err, fserr.CodeInvalidPath) {
			t.Errorf("resolve(%q) = %v, want INVALID_PATH", p, err)
		}
	}
}
