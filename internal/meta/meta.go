package meta

// Name is the server name reported in initialize responses.
const Name = "godbmcp"

// Version is overridden at build time with -ldflags "-X github.com/rickchristie/dbmcp/internal/meta.Version=...".
var Version = "dev"

// ProtocolVersion is the MCP protocol revision spoken by the session.
const ProtocolVersion = "2024-11-05"
