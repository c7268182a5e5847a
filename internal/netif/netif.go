// Package netif looks up network interfaces under sysfs so a typo in the
// interface name fails at startup instead of turning every tick into a
// sentinel breach.
package netif

import (
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"strings"

	"github.com/prometheus/procfs/sysfs"

	"github.com/keithlinneman/txkillswitch/internal/xerrors"
)

// ErrNotFound is returned (wrapped in *NotFoundError) when the interface does not exist.
var ErrNotFound = errors.New("interface not found")

// NotFoundError lists the interfaces that do exist.
type NotFoundError struct {
	Name      string
	Available []string
}

func (e *NotFoundError) Error() string {
	if len(e.Available) == 0 {
		return fmt.Sprintf("interface %q not found", e.Name)
	}
	return fmt.Sprintf("interface %q not found (available: %s)", e.Name, strings.Join(e.Available, ", "))
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

// Info is the startup summary logged for the monitored interface.
type Info struct {
	Name      string
	OperState string
	Address   string
	// MTU and Speed are zero when sysfs does not report them (speed is
	// unreadable on most virtual and down links)
	MTU       int64
	SpeedMbps int64
}

// Up reports whether the kernel considers the link operational.
func (i *Info) Up() bool { return i.OperState == "up" }

// Lookup returns the attributes of iface under sysfsRoot.
func Lookup(sysfsRoot, iface string) (*Info, error) {
	if iface == "" {
		return nil, xerrors.New("interface name is empty")
	}
	if strings.ContainsAny(iface, "/\x00") || iface == "." || iface == ".." {
		return nil, xerrors.Newf("invalid interface name %q", iface)
	}

	sfs, err := sysfs.NewFS(sysfsRoot)
	if err != nil {
		return nil, xerrors.Wrapf(err, "open sysfs at %s", sysfsRoot)
	}

	nc, err := sfs.NetClassByIface(iface)
	if err != nil {
		avail, lerr := list(sfs)
		if errors.Is(err, fs.ErrNotExist) || (lerr == nil && !contains(avail, iface)) {
			return nil, &NotFoundError{Name: iface, Available: avail}
		}
		return nil, xerrors.Wrapf(err, "read interface %s", iface)
	}

	info := &Info{
		Name:      iface,
		OperState: nc.OperState,
		Address:   nc.Address,
	}
	if nc.MTU != nil {
		info.MTU = *nc.MTU
	}
	if nc.Speed != nil && *nc.Speed > 0 {
		info.SpeedMbps = *nc.Speed
	}
	return info, nil
}

// List returns the sorted interface names under sysfsRoot.
func List(sysfsRoot string) ([]string, error) {
	sfs, err := sysfs.NewFS(sysfsRoot)
	if err != nil {
		return nil, xerrors.Wrapf(err, "open sysfs at %s", sysfsRoot)
	}
	return list(sfs)
}

func list(sfs sysfs.FS) ([]string, error) {
	names, err := sfs.NetClassDevices()
	if err != nil {
		return nil, xerrors.Wrap(err, "list network interfaces")
	}
	sort.Strings(names)
	return names, nil
}

func contains(names []string, name string) bool {
	for _, n := range names {
		if n == name {
			return true
		}
	}
	return false
}
