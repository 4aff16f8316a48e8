package plane

import (
	"encoding/base64"
	"strconv"
	"strings"

	"github.com/odvcencio/warden/pkg/fserr"
)

// targetKind identifies the operation a virtual path resolves to.
type targetKind int

const (
	kindInvalid targetKind = iota

	kindRoot
	kindNew
	kindPolicy
	kindUsage
	kindAuthDir
	kindAuthStatus
	kindAuthCredits
	kindAuthToken
	kindAuthChallenge
	kindProvidersDir
	kindProviderDir
	kindProviderInfo
	kindProviderImages
	kindProviderHealth
	kindSessionsDir
	kindSessionDir
	kindSessionStatus
	kindSessionResult
	kindSessionUsage
	kindSessionCtl
	kindSessionOutput
	kindExecDir
	kindExecNew
	kindExecEntryDir
	kindExecStatus
	kindExecResult
	kindExecOutput
	kindFilesDir
	kindFile
	kindChunk
)

// target is a fully resolved virtual path.
type target struct {
	kind     targetKind
	provider string
	session  string
	exec     string
	filePath string
	chunk    int64
}

// resolve maps a virtual path onto a target. Unknown shapes are NOT_FOUND;
// resolution never touches providers or records.
func resolve(path string) (target, error) {
	clean := strings.Trim(path, "/")
	if clean == "" {
		return target{kind: kindRoot}, nil
	}
	seg := strings.Split(clean, "/")

	switch seg[0] {
	case "new":
		if len(seg) == 1 {
			return target{kind: kindNew}, nil
		}
	case "policy":
		if len(seg) == 1 {
			return target{kind: kindPolicy}, nil
		}
	case "usage":
		if len(seg) == 1 {
			return target{kind: kindUsage}, nil
		}
	case "auth":
		return resolveAuth(seg)
	case "providers":
		return resolveProviders(seg)
	case "sessions":
		return resolveSessions(seg)
	}
	return target{}, fserr.Newf(fserr.CodeNotFound, "no such path %q", path)
}

func resolveAuth(seg []string) (target, error) {
	switch {
	case len(seg) == 1:
		return target{kind: kindAuthDir}, nil
	case len(seg) == 2:
		switch seg[1] {
		case "status":
			return target{kind: kindAuthStatus}, nil
		case "credits":
			return target{kind: kindAuthCredits}, nil
		case "token":
			return target{kind: kindAuthToken}, nil
		case "challenge":
			return target{kind: kindAuthChallenge}, nil
		}
	}
	return target{}, fserr.Newf(fserr.CodeNotFound, "no such path /%s", strings.Join(seg, "/"))
}

func resolveProviders(seg []string) (target, error) {
	switch len(seg) {
	case 1:
		return target{kind: kindProvidersDir}, nil
	case 2:
		return target{kind: kindProviderDir, provider: seg[1]}, nil
	case 3:
		t := target{provider: seg[1]}
		switch seg[2] {
		case "info":
			t.kind = kindProviderInfo
		case "images":
			t.kind = kindProviderImages
		case "health":
			t.kind = kindProviderHealth
		default:
			return target{}, fserr.Newf(fserr.CodeNotFound, "no such path /%s", strings.Join(seg, "/"))
		}
		return t, nil
	}
	return target{}, fserr.Newf(fserr.CodeNotFound, "no such path /%s", strings.Join(seg, "/"))
}

func resolveSessions(seg []string) (target, error) {
	if len(seg) == 1 {
		return target{kind: kindSessionsDir}, nil
	}
	t := target{session: seg[1]}
	if len(seg) == 2 {
		t.kind = kindSessionDir
		return t, nil
	}

	switch seg[2] {
	case "status", "result", "usage", "ctl", "output":
		if len(seg) != 3 {
			break
		}
		switch seg[2] {
		case "status":
			t.kind = kindSessionStatus
		case "result":
			t.kind = kindSessionResult
		case "usage":
			t.kind = kindSessionUsage
		case "ctl":
			t.kind = kindSessionCtl
		case "output":
			t.kind = kindSessionOutput
		}
		return t, nil
	case "exec":
		return resolveExec(t, seg[3:], seg)
	case "files":
		return resolveFiles(t, seg[3:], seg)
	}
	return target{}, fserr.Newf(fserr.CodeNotFound, "no such path /%s", strings.Join(seg, "/"))
}

func resolveExec(t target, rest, seg []string) (target, error) {
	switch len(rest) {
	case 0:
		t.kind = kindExecDir
		return t, nil
	case 1:
		if rest[0] == "new" {
			t.kind = kindExecNew
			return t, nil
		}
		t.kind = kindExecEntryDir
		t.exec = rest[0]
		return t, nil
	case 2:
		t.exec = rest[0]
		switch rest[1] {
		case "status":
			t.kind = kindExecStatus
		case "result":
			t.kind = kindExecResult
		case "output":
			t.kind = kindExecOutput
		default:
			return target{}, fserr.Newf(fserr.CodeNotFound, "no such path /%s", strings.Join(seg, "/"))
		}
		return t, nil
	}
	return target{}, fserr.Newf(fserr.CodeNotFound, "no such path /%s", strings.Join(seg, "/"))
}

func resolveFiles(t target, rest, seg []string) (target, error) {
	switch len(rest) {
	case 0:
		t.kind = kindFilesDir
		return t, nil
	case 1:
		decoded, err := DecodePath(rest[0])
		if err != nil {
			return target{}, err
		}
		t.kind = kindFile
		t.filePath = decoded
		return t, nil
	case 3:
		if rest[1] != "chunks" {
			break
		}
		decoded, err := DecodePath(rest[0])
		if err != nil {
			return target{}, err
		}
		idx, err := strconv.ParseInt(rest[2], 10, 64)
		if err != nil || idx < 0 {
			return target{}, fserr.Newf(fserr.CodeInvalidPath, "bad chunk index %q", rest[2])
		}
		t.kind = kindChunk
		t.filePath = decoded
		t.chunk = idx
		return t, nil
	}
	return target{}, fserr.Newf(fserr.CodeNotFound, "no such path /%s", strings.Join(seg, "/"))
}

// EncodePath encodes a sandbox-relative file path for use in a virtual path.
func EncodePath(p string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(p))
}

// DecodePath decodes and validates an encoded file path token. Valid paths
// are non-empty, at most maxFilePathLen bytes, relative, and free of
// backslashes and "."/".." segments.
func DecodePath(token string) (string, error) {
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return "", fserr.Wrap(err, fserr.CodeInvalidPath, "undecodable file path token")
	}
	p := string(raw)
	if p == "" {
		return "", fserr.New(fserr.CodeInvalidPath, "empty file path")
	}
	if len(p) > maxFilePathLen {
		return "", fserr.Newf(fserr.CodeInvalidPath, "file path exceeds %d bytes", maxFilePathLen)
	}
	if strings.ContainsAny(p, "\\\x00") {
		return "", fserr.New(fserr.CodeInvalidPath, "file path contains forbidden characters")
	}
	if strings.HasPrefix(p, "/") {
		return "", fserr.New(fserr.CodeInvalidPath, "file path must be relative")
	}
	for _, segment := range strings.Split(p, "/") {
		if segment == "." || segment == ".." || segment == "" {
			return "", fserr.New(fserr.CodeInvalidPath, "file path contains unsafe segments")
		}
	}
	return p, nil
}
