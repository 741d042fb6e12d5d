package app

import (
	"github.com/specialistvlad/pmigo/internal/native"
	"github.com/specialistvlad/pmigo/modules/host"
	"github.com/specialistvlad/pmigo/modules/potential"
	"github.com/specialistvlad/pmigo/modules/storage"
)

// Module is a native package compiled into the binary, together with the
// capability manifest that exposes it.
type Module struct {
	Name     string
	Native   native.Module
	Manifest []byte
}

// coreModules is the definitive list of all modules that are compiled into
// the pmigo binary.
var coreModules = []Module{
	{Name: "host", Native: &host.Module{}, Manifest: host.Manifest},
	{Name: "storage", Native: &storage.Module{}, Manifest: storage.Manifest},
	{Name: "potential", Native: &potential.Module{}, Manifest: potential.Manifest},
}
