// Package keys implements the opaque identifiers used across the content core:
// course keys, usage (block) keys, asset keys and block-type keys. Each key is
// an immutable comparable value with a stable string form that round-trips
// through Parse.
package keys

import (
	"fmt"
	"regexp"
	"strings"

	xerr "github.com/yungbote/xblockcore/internal/pkg/errors"
)

const (
	CourseNamespace    = "course-v1"
	UsageNamespace     = "block-v1"
	AssetNamespace     = "asset-v1"
	BlockTypeNamespace = "block-type-v1"

	DefaultBlockTypeFamily = "xblock.v1"

	AssetTypeAsset     = "asset"
	AssetTypeThumbnail = "thumbnail"

	branchPrefix  = "branch@"
	versionPrefix = "version@"
	typePrefix    = "type@"
	blockPrefix   = "block@"
)

var (
	idRe        = regexp.MustCompile(`^[\w\-~.:]+$`)
	blockIDRe   = regexp.MustCompile(`^[\w\-~.:%]+$`)
	versionRe   = regexp.MustCompile(`^[a-f0-9]+$`)
	legacyIDRe  = regexp.MustCompile(`^[\w\-~.:%]+$`)
	typeFamRe   = regexp.MustCompile(`^[\w\-.]+$`)
	namespaceRe = regexp.MustCompile(`^([\w\-]+):`)
)

// Key is implemented by every opaque key variant.
type Key interface {
	String() string
	KeyKind() string
}

// InvalidKeyError reports a string that could not be parsed as a key.
type InvalidKeyError struct {
	Kind   string
	Input  string
	Reason string
}

func (e *InvalidKeyError) Error() string {
	if e.Kind == "" {
		return fmt.Sprintf("invalid key %q: %s", e.Input, e.Reason)
	}
	return fmt.Sprintf("invalid %s key %q: %s", e.Kind, e.Input, e.Reason)
}

func (e *InvalidKeyError) Unwrap() error { return xerr.ErrInvalidKey }

func invalid(kind, input, reason string) error {
	return &InvalidKeyError{Kind: kind, Input: input, Reason: reason}
}

// Parse dispatches on the namespace tag. Strings without a tag are tried as a
// legacy org/course/run course key and then as a bare block type.
func Parse(s string) (Key, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, invalid("", s, "empty")
	}
	if m := namespaceRe.FindStringSubmatch(s); m != nil {
		switch m[1] {
		case CourseNamespace:
			return ParseCourseKey(s)
		case UsageNamespace:
			return ParseUsageKey(s)
		case AssetNamespace:
			return ParseAssetKey(s)
		case BlockTypeNamespace:
			return ParseBlockTypeKey(s)
		}
	}
	if strings.Contains(s, "/") {
		return ParseCourseKey(s)
	}
	if typeFamRe.MatchString(s) {
		return ParseBlockTypeKey(s)
	}
	return nil, invalid("", s, "unrecognised namespace")
}

// locator is the parsed body shared by course, usage and asset keys.
type locator struct {
	org, course, run string
	branch, version  string
	blockType        string
	blockID          string
}

func parseLocator(kind, full, body string) (locator, error) {
	var loc locator
	if body == "" {
		return loc, invalid(kind, full, "empty body")
	}
	parts := strings.Split(body, "+")
	i := 0
	var plain []string
	for i < len(parts) && !strings.Contains(parts[i], "@") {
		plain = append(plain, parts[i])
		i++
	}
	switch len(plain) {
	case 0:
	case 3:
		loc.org, loc.course, loc.run = plain[0], plain[1], plain[2]
		for _, p := range plain {
			if !idRe.MatchString(p) {
				return loc, invalid(kind, full, fmt.Sprintf("illegal characters in %q", p))
			}
		}
	default:
		return loc, invalid(kind, full, "expected org+course+run")
	}

	order := []string{branchPrefix, versionPrefix, typePrefix, blockPrefix}
	next := 0
	for ; i < len(parts); i++ {
		seg := parts[i]
		matched := false
		for next < len(order) {
			prefix := order[next]
			next++
			if !strings.HasPrefix(seg, prefix) {
				continue
			}
			val := strings.TrimPrefix(seg, prefix)
			switch prefix {
			case branchPrefix:
				if loc.org == "" || !idRe.MatchString(val) {
					return loc, invalid(kind, full, "bad branch")
				}
				loc.branch = val
			case versionPrefix:
				if !versionRe.MatchString(val) {
					return loc, invalid(kind, full, "bad version")
				}
				loc.version = val
			case typePrefix:
				if !idRe.MatchString(val) {
					return loc, invalid(kind, full, "bad block type")
				}
				loc.blockType = val
			case blockPrefix:
				if !blockIDRe.MatchString(val) {
					return loc, invalid(kind, full, "bad block id")
				}
				loc.blockID = val
			}
			matched = true
			break
		}
		if !matched {
			return loc, invalid(kind, full, fmt.Sprintf("unexpected segment %q", seg))
		}
	}
	if loc.org == "" && loc.version == "" {
		return loc, invalid(kind, full, "needs org+course+run or a version")
	}
	return loc, nil
}

func (l locator) courseKey() CourseKey {
	return CourseKey{Org: l.org, Course: l.course, Run: l.run, Branch: l.branch, Version: l.version}
}

func stripNamespace(kind, s, ns string) (string, error) {
	prefix := ns + ":"
	if !strings.HasPrefix(s, prefix) {
		return "", invalid(kind, s, "missing "+prefix+" prefix")
	}
	return strings.TrimPrefix(s, prefix), nil
}
