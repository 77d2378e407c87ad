package baselink

import (
	"github.com/snowmerak/baselink.go/lib/fml"
)

// Commands sent by the controller after the setup messages.
const (
	CmdLink         = "link"
	CmdUnlink       = "unlink"
	CmdTerminate    = "terminate"
	CmdHandleExport = "handle_export"
	CmdHandleImport = "handle_import"
	CmdDebug        = "debug"

	// acknowledges every command but terminate
	ackDone = "done"
)

// ModuleConfig identifies one module instance. It is the second setup
// message, after the id map.
type ModuleConfig struct {
	Kind string          // Module kind, informational
	ID   string          // Unique module name, used as PeerModule by other modules
	Key  fml.InstanceKey // Instance key, unique within the module's process
	Args []byte          // Opaque arguments for the initializer
}

// LinkArgs follows CmdLink.
type LinkArgs struct {
	PortID     fml.PortID
	PeerPort   fml.PortID
	PeerModule string
	Kind       string // Transport kind, see transport.Open
	Config     []byte // Transport config, see transport.EncodeConfig
}

// UnlinkArgs follows CmdUnlink.
type UnlinkArgs struct {
	PortID fml.PortID
}

// HandleExchange carries handles from the module that exported them to the
// module that imports them. There is at most one link between two modules
// during the exchange, so no port id is carried.
type HandleExchange struct {
	Exporter string
	Importer string
	Handles  []fml.Handle
	Argument []byte
}

// DebugResult answers CmdDebug.
type DebugResult struct {
	Payload []byte
	Err     string
}
