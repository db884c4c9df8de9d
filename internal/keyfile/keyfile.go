// Package keyfile implements the INI-style configuration format used for
// chroot definitions and session records: an ordered mapping of group name
// to an ordered mapping of key to value, with comments attached to the
// group or key that follows them.
//
// The parser is deliberately policy-free — it does not know which keys are
// required, optional or forbidden for a given group. That policy is applied
// by callers through Get and GetList, which take an explicit Priority.
//
// Grounded on the reference implementation's sbuild::keyfile (groups keyed
// by name, items keyed within a group, first-seen wins on duplicates).
package keyfile

import (
	"bufio"
	"fmt"
	"io"
	"strings"
)

// Logf is a callback used to report non-fatal parse warnings (duplicate
// groups/keys). A nil Logf discards warnings.
type Logf func(format string, args ...any)

type item struct {
	value   string
	comment string
}

type group struct {
	name    string
	comment string
	order   []string
	items   map[string]*item
}

// KeyFile is an ordered, comment-preserving INI document.
type KeyFile struct {
	order     []string
	groups    map[string]*group
	separator byte
	warnf     Logf
}

// New returns an empty KeyFile with the default ',' list separator.
func New() *KeyFile {
	return &KeyFile{
		groups:    make(map[string]*group),
		separator: ',',
	}
}

// SetSeparator overrides the list-value separator character (default ',').
func (k *KeyFile) SetSeparator(sep byte) { k.separator = sep }

// SetWarnf installs a callback invoked for non-fatal parse warnings.
func (k *KeyFile) SetWarnf(f Logf) { k.warnf = f }

func (k *KeyFile) warn(format string, args ...any) {
	if k.warnf != nil {
		k.warnf(format, args...)
	}
}

// Parse reads a KeyFile document from r.
func Parse(r io.Reader) (*KeyFile, error) {
	kf := New()
	if err := kf.parse(r); err != nil {
		return nil, err
	}
	return kf, nil
}

// ParseString parses a KeyFile document held in memory.
func ParseString(s string) (*KeyFile, error) {
	return Parse(strings.NewReader(s))
}

func (k *KeyFile) parse(r io.Reader) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	var pendingComment []string
	var current *group
	lineNo := 0

	flushComment := func() string {
		if len(pendingComment) == 0 {
			return ""
		}
		c := strings.Join(pendingComment, "\n")
		pendingComment = nil
		return c
	}

	for scanner.Scan() {
		lineNo++
		line := scanner.Text()
		trimmed := strings.TrimSpace(line)

		switch {
		case trimmed == "":
			// Blank line ends a comment block without attaching it.
			pendingComment = nil

		case strings.HasPrefix(trimmed, "#"):
			pendingComment = append(pendingComment, strings.TrimPrefix(trimmed, "#"))

		case strings.HasPrefix(trimmed, "["):
			if !strings.HasSuffix(trimmed, "]") || len(trimmed) < 3 {
				return newInvalidGroup(lineNo, line)
			}
			name := trimmed[1 : len(trimmed)-1]
			if name == "" || strings.ContainsAny(name, "[]") {
				return newInvalidGroup(lineNo, line)
			}
			comment := flushComment()
			if existing, ok := k.groups[name]; ok {
				k.warn("keyfile: duplicate group %q at line %d, keeping first occurrence", name, lineNo)
				current = existing
			} else {
				g := &group{name: name, comment: comment, items: make(map[string]*item)}
				k.groups[name] = g
				k.order = append(k.order, name)
				current = g
			}

		case strings.Contains(trimmed, "="):
			if current == nil {
				return newInvalidLine(lineNo, line)
			}
			idx := strings.Index(trimmed, "=")
			key := strings.TrimSpace(trimmed[:idx])
			value := trimmed[idx+1:]
			if key == "" {
				return newMissingKey(lineNo, line)
			}
			comment := flushComment()
			if _, ok := current.items[key]; ok {
				k.warn("keyfile: duplicate key %q in group %q at line %d, keeping first occurrence", key, current.name, lineNo)
				continue
			}
			current.items[key] = &item{value: value, comment: comment}
			current.order = append(current.order, key)

		default:
			return newInvalidLine(lineNo, line)
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("keyfile: read: %w", err)
	}
	return nil
}

// Write serialises the document, reproducing group order, item order
// within each group, and comments.
func (k *KeyFile) Write(w io.Writer) error {
	bw := bufio.NewWriter(w)
	for i, name := range k.order {
		g := k.groups[name]
		if i > 0 {
			if _, err := bw.WriteString("\n"); err != nil {
				return err
			}
		}
		if g.comment != "" {
			for _, line := range strings.Split(g.comment, "\n") {
				fmt.Fprintf(bw, "#%s\n", line)
			}
		}
		fmt.Fprintf(bw, "[%s]\n", g.name)
		for _, key := range g.order {
			it := g.items[key]
			if it.comment != "" {
				for _, line := range strings.Split(it.comment, "\n") {
					fmt.Fprintf(bw, "#%s\n", line)
				}
			}
			fmt.Fprintf(bw, "%s=%s\n", key, it.value)
		}
	}
	return bw.Flush()
}

// String renders the document to a string.
func (k *KeyFile) String() string {
	var sb strings.Builder
	_ = k.Write(&sb)
	return sb.String()
}

// Groups returns the group names in document order.
func (k *KeyFile) Groups() []string {
	out := make([]string, len(k.order))
	copy(out, k.order)
	return out
}

// Keys returns the key names of a group in document order, or nil if the
// group does not exist.
func (k *KeyFile) Keys(groupName string) []string {
	g, ok := k.groups[groupName]
	if !ok {
		return nil
	}
	out := make([]string, len(g.order))
	copy(out, g.order)
	return out
}

// HasGroup reports whether the group exists.
func (k *KeyFile) HasGroup(groupName string) bool {
	_, ok := k.groups[groupName]
	return ok
}

// HasKey reports whether key exists within group.
func (k *KeyFile) HasKey(groupName, key string) bool {
	g, ok := k.groups[groupName]
	if !ok {
		return false
	}
	_, ok = g.items[key]
	return ok
}

// RemoveGroup deletes a group and all its keys.
func (k *KeyFile) RemoveGroup(groupName string) {
	if _, ok := k.groups[groupName]; !ok {
		return
	}
	delete(k.groups, groupName)
	for i, name := range k.order {
		if name == groupName {
			k.order = append(k.order[:i], k.order[i+1:]...)
			break
		}
	}
}

// RemoveKey deletes a single key from a group.
func (k *KeyFile) RemoveKey(groupName, key string) {
	g, ok := k.groups[groupName]
	if !ok {
		return
	}
	if _, ok := g.items[key]; !ok {
		return
	}
	delete(g.items, key)
	for i, name := range g.order {
		if name == key {
			g.order = append(g.order[:i], g.order[i+1:]...)
			break
		}
	}
}

func (k *KeyFile) ensureGroup(groupName string) *group {
	g, ok := k.groups[groupName]
	if !ok {
		g = &group{name: groupName, items: make(map[string]*item)}
		k.groups[groupName] = g
		k.order = append(k.order, groupName)
	}
	return g
}

// SetGroupComment sets (or clears, with "") the comment attached to a
// group header, creating the group if it does not already exist.
func (k *KeyFile) SetGroupComment(groupName, comment string) {
	k.ensureGroup(groupName).comment = comment
}

// SetRaw stores a raw string value for group/key, with an optional
// per-item comment. It creates the group and key if necessary and
// preserves existing order when overwriting.
func (k *KeyFile) SetRaw(groupName, key, value, comment string) {
	g := k.ensureGroup(groupName)
	if it, ok := g.items[key]; ok {
		it.value = value
		it.comment = comment
		return
	}
	g.items[key] = &item{value: value, comment: comment}
	g.order = append(g.order, key)
}

// GetRaw returns the raw string value for group/key.
func (k *KeyFile) GetRaw(groupName, key string) (string, bool) {
	g, ok := k.groups[groupName]
	if !ok {
		return "", false
	}
	it, ok := g.items[key]
	if !ok {
		return "", false
	}
	return it.value, true
}
