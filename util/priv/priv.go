// Package priv lowers the privileges of the server once the tun device and
// the DNS socket are open.
//
// The order is fixed: chroot (and chdir to the new root) while still root,
// then the supplementary groups, setgid, and setuid. Once the uid changes the
// process can no longer change its groups.
package priv

import (
	"fmt"
	"os/user"
	"strconv"
	"syscall"

	"golang.org/x/sys/unix"
)

// System is the set of calls Drop needs.
type System interface {
	Chroot(dir string) error
	Chdir(dir string) error
	Setgroups(gids []int) error
	Setgid(gid int) error
	Setuid(uid int) error
}

// Host performs the calls on the running process.
type Host struct{}

func (Host) Chroot(dir string) error { return unix.Chroot(dir) }
func (Host) Chdir(dir string) error  { return unix.Chdir(dir) }
func (Host) Setgid(gid int) error    { return unix.Setgid(gid) }

// Setgroups goes through syscall, which applies it to every thread like
// unix.Setgid and unix.Setuid do. unix.Setgroups only changes the caller.
func (Host) Setgroups(gids []int) error { return syscall.Setgroups(gids) }
func (Host) Setuid(uid int) error    { return unix.Setuid(uid) }

// Account is a resolved target identity.
type Account struct {
	Name string
	Uid  int
	Gid  int
}

// LookupUser resolves name before anything privileged is acquired, so that
// an unknown user is reported as a configuration error.
func LookupUser(name string) (*Account, error) {
	u, err := user.Lookup(name)
	if err != nil {
		return nil, fmt.Errorf("user %s does not exist", name)
	}
	uid, err := strconv.Atoi(u.Uid)
	if err != nil {
		return nil, fmt.Errorf("user %s has non numeric uid %s", name, u.Uid)
	}
	gid, err := strconv.Atoi(u.Gid)
	if err != nil {
		return nil, fmt.Errorf("user %s has non numeric gid %s", name, u.Gid)
	}
	return &Account{Name: name, Uid: uid, Gid: gid}, nil
}

type Options struct {
	// Chroot is the new root directory, empty to stay put.
	Chroot string
	// Account is the identity to switch to, nil to stay root.
	Account *Account
}

// ChrootError marks a failed change of root. The caller treats it as
// immediately fatal.
type ChrootError struct {
	Dir string
	Err error
}

func (e *ChrootError) Error() string {
	return fmt.Sprintf("%s: %s", e.Dir, e.Err.Error())
}

func (e *ChrootError) Unwrap() error {
	return e.Err
}

func Drop(sys System, opts Options) error {
	if opts.Chroot != "" {
		if err := sys.Chroot(opts.Chroot); err != nil {
			return &ChrootError{Dir: opts.Chroot, Err: err}
		}
		if err := sys.Chdir("/"); err != nil {
			return &ChrootError{Dir: opts.Chroot, Err: err}
		}
	}

	if opts.Account != nil {
		if err := sys.Setgroups(nil); err != nil {
			return fmt.Errorf("could not drop supplementary groups, %s", err.Error())
		}
		if err := sys.Setgid(opts.Account.Gid); err != nil {
			return fmt.Errorf("could not switch to user %s, %s", opts.Account.Name, err.Error())
		}
		if err := sys.Setuid(opts.Account.Uid); err != nil {
			return fmt.Errorf("could not switch to user %s, %s", opts.Account.Name, err.Error())
		}
	}
	return nil
}
