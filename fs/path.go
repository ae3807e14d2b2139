package fs

import (
	"fmt"
	"strings"

	"github.com/Sheng99100/SeedOS/proc"
)

// skipelem returns the next path element and path with that element (and
// any separating slashes) removed, mirroring skipelem() in
// original_source/kernel/fs.c: skipelem("a/bb/c") -> ("a", "bb/c", true),
// skipelem("") -> ("", "", false). An element longer than DirSiz is
// truncated to DirSiz bytes, matching the fixed-width on-disk name.
func skipelem(path string) (elem, rest string, ok bool) {
	path = strings.TrimLeft(path, "/")
	if path == "" {
		return "", "", false
	}
	i := strings.IndexByte(path, '/')
	if i < 0 {
		elem = path
		rest = ""
	} else {
		elem = path[:i]
		rest = strings.TrimLeft(path[i+1:], "/")
	}
	if len(elem) > DirSiz {
		elem = elem[:DirSiz]
	}
	return elem, rest, true
}

// Namex resolves path to an inode, starting from the root if path is
// absolute or from p's current directory otherwise. If nameiparent is true,
// resolution stops one element early: it returns the parent directory's
// inode (unlocked, referenced) and the final element's name instead of
// resolving that last element itself — grounded on namex().
//
// Each directory along the way is locked only long enough to look up the
// next element, then unlocked before the next iteration locks it (or a
// repeated "." resolves it again) — never two directory locks held at
// once — which is what keeps a lookup through "." from deadlocking against
// itself and lets concurrent lookups down different paths proceed without
// serializing on a shared lock (spec.md §8).
func (t *Table) Namex(p *proc.Process, c *proc.CPU, path string, nameiparent bool) (*Inode, string, *proc.CPU, error) {
	var ip *Inode
	if strings.HasPrefix(path, "/") {
		got, err := t.IGet(RootDev, RootIno)
		if err != nil {
			return nil, "", c, err
		}
		ip = got
	} else {
		cwd, ok := p.Cwd.(*CwdRef)
		if !ok || cwd == nil {
			return nil, "", c, fmt.Errorf("fs: namex: relative path with no current directory")
		}
		ip = t.IDup(cwd.Inode())
	}

	var name string
	rest := path
	for {
		elem, next, ok := skipelem(rest)
		if !ok {
			break
		}
		name = elem
		rest = next

		var err error
		c, err = t.ILock(p, c, ip)
		if err != nil {
			c = t.IPut(p, c, ip)
			return nil, "", c, err
		}
		if ip.Type != TypeDir {
			c = t.IUnlockPut(p, c, ip)
			return nil, "", c, fmt.Errorf("fs: namex: %q is not a directory", name)
		}
		if nameiparent && rest == "" {
			t.IUnlock(p, c, ip)
			return ip, name, c, nil
		}

		child, _, newC, err := t.DirLookup(p, c, ip, name)
		c = newC
		if err != nil {
			c = t.IUnlockPut(p, c, ip)
			return nil, "", c, fmt.Errorf("fs: namex: %w", err)
		}
		c = t.IUnlockPut(p, c, ip)
		ip = child
	}

	if nameiparent {
		c = t.IPut(p, c, ip)
		return nil, "", c, fmt.Errorf("fs: namex: %q has no parent", path)
	}
	return ip, name, c, nil
}

// Namei resolves path to its inode.
func (t *Table) Namei(p *proc.Process, c *proc.CPU, path string) (*Inode, *proc.CPU, error) {
	ip, _, c, err := t.Namex(p, c, path, false)
	return ip, c, err
}

// NameiParent resolves path to its parent directory's inode, returning the
// final path element's name.
func (t *Table) NameiParent(p *proc.Process, c *proc.CPU, path string) (*Inode, string, *proc.CPU, error) {
	return t.Namex(p, c, path, true)
}
