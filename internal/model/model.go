package model

import (
	"fmt"
	"time"
)

// FormatVersion is the on-disk schema version of replay stores produced by
// this build. Stores recorded under a different version are renamed aside
// rather than appended to.
const FormatVersion = 2

// ServerKind identifies the product behind the monitored endpoint.
type ServerKind string

const (
	ServerMySQL    ServerKind = "mysql"
	ServerMariaDB  ServerKind = "mariadb"
	ServerProxySQL ServerKind = "proxysql"
)

// LagSource identifies which signal produced a replication lag value.
type LagSource string

const (
	LagSourceHeartbeat     LagSource = "heartbeat"
	LagSourcePerfSchema    LagSource = "performance_schema"
	LagSourceReplicaStatus LagSource = "replica_status"
)

// SourceIdentity pins a session to one server. It is read once at connect
// time and never changes for the life of the session; a reconnect that lands
// on a different identity is reported, not absorbed.
type SourceIdentity struct {
	Host    string     `json:"host"`
	Port    int        `json:"port"`
	Kind    ServerKind `json:"kind"`
	Version string     `json:"version"`
	Distro  string     `json:"distro"`
}

// Equal reports whether two identities describe the same server build.
func (s SourceIdentity) Equal(other SourceIdentity) bool {
	return s.Host == other.Host &&
		s.Port == other.Port &&
		s.Kind == other.Kind &&
		s.Version == other.Version
}

// Addr returns host:port for log lines.
func (s SourceIdentity) Addr() string {
	if s.Port == 0 {
		return s.Host
	}
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// VersionAtLeast compares the server version against target, both in
// dotted-numeric form. Suffixes after the numeric part are ignored
// ("10.6.12-MariaDB" compares as 10.6.12).
func (s SourceIdentity) VersionAtLeast(target string) bool {
	have := parseVersion(s.Version)
	want := parseVersion(target)
	for i := 0; i < 3; i++ {
		if have[i] != want[i] {
			return have[i] > want[i]
		}
	}
	return true
}

func parseVersion(v string) [3]int {
	var parts [3]int
	idx, cur, seen := 0, 0, false
	for i := 0; i < len(v) && idx < 3; i++ {
		c := v[i]
		switch {
		case c >= '0' && c <= '9':
			cur = cur*10 + int(c-'0')
			seen = true
		case c == '.' && seen:
			parts[idx] = cur
			idx++
			cur, seen = 0, false
		default:
			if seen && idx < 3 {
				parts[idx] = cur
				idx++
			}
			return parts
		}
	}
	if seen && idx < 3 {
		parts[idx] = cur
	}
	return parts
}

// Session describes one continuous live run or recording against one target.
type Session struct {
	ID            string         `json:"id"`
	Source        SourceIdentity `json:"source"`
	FormatVersion int            `json:"format_version"`
	CreatedAt     time.Time      `json:"created_at"`
}

// Thread is one row of the server's process list.
type Thread struct {
	ID            int64  `json:"id"`
	User          string `json:"user"`
	Host          string `json:"host"`
	Db            string `json:"db"`
	Command       string `json:"command"`
	Time          int64  `json:"time"`
	State         string `json:"state"`
	Query         string `json:"query"`
	IsTransaction bool   `json:"is_transaction"`
	RowsExamined  int64  `json:"rows_examined"`
	RowsSent      int64  `json:"rows_sent"`
}

// ReplicationStatus is the resolved replication view for one cycle.
type ReplicationStatus struct {
	Role             string    `json:"role"` // source or replica
	LagSeconds       float64   `json:"lag_seconds"`
	LagKnown         bool      `json:"lag_known"`
	LagSource        LagSource `json:"lag_source,omitempty"`
	IOThreadState    string    `json:"io_thread_state"`
	SQLThreadState   string    `json:"sql_thread_state"`
	SourceLogFile    string    `json:"source_log_file"`
	ReadSourceLogPos int64     `json:"read_source_log_pos"`
	RelayLogFile     string    `json:"relay_log_file"`
	ExecSourceLogPos int64     `json:"exec_source_log_pos"`
	SQLDelay         int64     `json:"sql_delay"`
}

// LagSample is the common result shape shared by all lag probes.
type LagSample struct {
	Seconds  float64
	Known    bool
	Source   LagSource
	IOState  string
	SQLState string
}

// BinlogStatus tracks the binary log write position across cycles.
type BinlogStatus struct {
	File         string `json:"file"`
	Position     int64  `json:"position"`
	DiffPosition int64  `json:"diff_position"`
	Rotated      bool   `json:"rotated"`
}

// MetadataLock is one row from the metadata lock instrumentation.
type MetadataLock struct {
	ObjectSchema  string `json:"object_schema"`
	ObjectName    string `json:"object_name"`
	LockType      string `json:"lock_type"`
	LockStatus    string `json:"lock_status"`
	OwnerThreadID int64  `json:"owner_thread_id"`
}

// HostgroupSummary is one ProxySQL hostgroup's connection pool summary.
type HostgroupSummary struct {
	Hostgroup       int    `json:"hostgroup"`
	Host            string `json:"host"`
	Port            int    `json:"port"`
	Status          string `json:"status"`
	ConnectionsUsed int64  `json:"connections_used"`
	ConnectionsFree int64  `json:"connections_free"`
	Queries         int64  `json:"queries"`
	BytesSent       int64  `json:"bytes_sent"`
	BytesRecv       int64  `json:"bytes_recv"`
}

// QueryRuleHit is a ProxySQL query rule with its hit counter.
type QueryRuleHit struct {
	RuleID int64 `json:"rule_id"`
	Hits   int64 `json:"hits"`
}

// ProxySQLStatus holds the ProxySQL-only sections of a snapshot.
type ProxySQLStatus struct {
	Hostgroups []HostgroupSummary `json:"hostgroups"`
	QueryRules []QueryRuleHit     `json:"query_rules"`
}

// Snapshot is one sampling cycle's complete observation. It is assembled by
// the collector during a cycle and treated as immutable once published.
// Probes that fail leave their section empty and record the reason in
// Unavailable keyed by probe name; a partial snapshot is still a snapshot.
type Snapshot struct {
	Timestamp       time.Time          `json:"timestamp"`
	Source          SourceIdentity     `json:"source"`
	GlobalStatus    map[string]string  `json:"global_status,omitempty"`
	GlobalVariables map[string]string  `json:"global_variables,omitempty"`
	InnoDBMetrics   map[string]int64   `json:"innodb_metrics,omitempty"`
	Threads         []Thread           `json:"threads,omitempty"`
	Replication     *ReplicationStatus `json:"replication,omitempty"`
	Binlog          *BinlogStatus      `json:"binlog,omitempty"`
	MetadataLocks   []MetadataLock     `json:"metadata_locks,omitempty"`
	ProxySQL        *ProxySQLStatus    `json:"proxysql,omitempty"`
	ReadOnly        *bool              `json:"read_only,omitempty"`
	Unavailable     map[string]string  `json:"unavailable,omitempty"`
}

// MarkUnavailable records a probe failure on the snapshot.
func (s *Snapshot) MarkUnavailable(probe, reason string) {
	if s.Unavailable == nil {
		s.Unavailable = make(map[string]string)
	}
	s.Unavailable[probe] = reason
}

// ChangeKind discriminates change events.
type ChangeKind string

const (
	VariableChanged ChangeKind = "variable_changed"
	ReadOnlyChanged ChangeKind = "read_only_changed"
)

// ChangeEvent is one detected state transition between consecutive snapshots.
type ChangeEvent struct {
	Kind ChangeKind `json:"kind"`
	Name string     `json:"name,omitempty"`
	Old  string     `json:"old"`
	New  string     `json:"new"`
}

// Published pairs a snapshot with the change events computed for its cycle.
type Published struct {
	Snapshot *Snapshot
	Events   []ChangeEvent
}

// Capabilities tells the consumer what the current snapshot source can do.
// Replay sources cannot act on the live server, so interactive operations
// like killing a thread must be gated on SupportsKill rather than attempted.
type Capabilities struct {
	Replay       bool
	SupportsKill bool
}

// SnapshotSource is the single producer interface consumed by the rendering
// and notification layers. The live collector and the replay engine both
// implement it, so consumers are written once and never branch on mode.
type SnapshotSource interface {
	// Current returns the most recently published snapshot, or nil before
	// the first cycle.
	Current() *Snapshot

	// Snapshots is the publish channel. It is closed when the source stops.
	Snapshots() <-chan Published

	// Capabilities reports what operations this source supports.
	Capabilities() Capabilities
}
