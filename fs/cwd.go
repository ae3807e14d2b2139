package fs

// CwdRef adapts an *Inode to proc.Releasable so it can be stored directly
// in Process.Cwd without proc importing this package (see proc.Releasable).
type CwdRef struct {
	t  *Table
	ip *Inode
}

// NewCwdRef wraps ip for use as a process's current-directory reference.
func NewCwdRef(t *Table, ip *Inode) *CwdRef {
	return &CwdRef{t: t, ip: ip}
}

// Inode returns the wrapped inode, e.g. for Namex's relative-path start
// point.
func (r *CwdRef) Inode() *Inode { return r.ip }

// Release drops the wrapped inode's reference count. Unlike Table.IPut,
// Release takes no process/CPU context (proc.Releasable's shape forces
// this), so it cannot run the truncate-and-free path that requires a log
// transaction: if this was the last reference to an unlinked directory, the
// free is deferred rather than performed inline here.
//
// TODO: thread a (*proc.Process, *proc.CPU) through Table.Exit's Cwd
// cleanup so this last-reference-unlinked-cwd case reclaims its disk blocks
// immediately instead of waiting for a future IGet cycle to notice
// Nlink==0.
func (r *CwdRef) Release() {
	r.t.mu.Lock()
	r.ip.ref--
	r.t.mu.Unlock()
}
