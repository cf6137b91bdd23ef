package sandbox

import (
	"fmt"
	"regexp"
	"strings"
)

var defaultDeniedImports = []string{
	"os", "sys", "subprocess", "socket", "ctypes", "shutil", "signal",
	"multiprocessing", "threading", "importlib", "pty", "resource",
}

// Policy is checked before a process is spawned.
type Policy struct {
	MaxCodeBytes  int
	DeniedImports []string
}

func DefaultPolicy() Policy {
	return Policy{MaxCodeBytes: 64 << 10, DeniedImports: defaultDeniedImports}
}

var importRe = regexp.MustCompile(`(?m)^\s*(?:from\s+([A-Za-z_][\w.]*)\s+import|import\s+([A-Za-z_][\w.,\s]*))`)

// reflectiveNames reach modules or frames without an import statement.
var reflectiveNames = []string{
	"__import__", "__builtins__", "__subclasses__", "__globals__", "__loader__", "__code__", "__getattribute__",
}

// Check returns a description of the first violation, or "" when code is
// allowed. It is a coarse text filter; Config.Isolate is what contains a
// guest that gets past it.
func (p Policy) Check(code string) string {
	if p.MaxCodeBytes > 0 && len(code) > p.MaxCodeBytes {
		return fmt.Sprintf("code is %d bytes, limit %d", len(code), p.MaxCodeBytes)
	}
	for _, name := range reflectiveNames {
		if strings.Contains(code, name) {
			return fmt.Sprintf("%s is not allowed", name)
		}
	}
	denied := make(map[string]bool, len(p.DeniedImports))
	for _, m := range p.DeniedImports {
		denied[m] = true
	}
	for _, m := range importRe.FindAllStringSubmatch(code, -1) {
		var names []string
		if m[1] != "" {
			names = []string{m[1]}
		} else {
			for _, part := range strings.Split(m[2], ",") {
				if f := strings.Fields(part); len(f) > 0 {
					names = append(names, f[0])
				}
			}
		}
		for _, name := range names {
			root := strings.SplitN(name, ".", 2)[0]
			if denied[root] {
				return fmt.Sprintf("import of %q is not allowed", root)
			}
		}
	}
	return ""
}
