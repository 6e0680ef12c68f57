// Package queries holds the SQL text issued by the probes. Queries are kept
// in one place so the schema surface the agent touches is auditable at a
// glance. The %s placeholders are filled by the owning probe.
package queries

// Status and variable sweeps. The read-only state rides along in the
// variables sweep, so it costs no extra round-trip.
const (
	GlobalStatus    = "SHOW GLOBAL STATUS"
	GlobalVariables = "SHOW GLOBAL VARIABLES"
)

// Identity, read once per (re)connect.
const (
	ServerVersion   = "SELECT @@version AS version, @@version_comment AS version_comment"
	ProxySQLVersion = "SELECT @@admin-version AS version"
)

// ProcesslistPerfSchema reads threads through performance_schema, joined to
// innodb_trx so active transactions are flagged. Preferred source on 5.7+.
const ProcesslistPerfSchema = `
SELECT
    t.processlist_id                 AS id,
    IFNULL(t.processlist_user, '')   AS user,
    IFNULL(t.processlist_host, '')   AS host,
    IFNULL(t.processlist_db, '')     AS db,
    IFNULL(t.processlist_command, '') AS command,
    IFNULL(t.processlist_time, 0)    AS time,
    IFNULL(t.processlist_state, '')  AS state,
    IFNULL(t.processlist_info, '')   AS query,
    IF(tx.trx_id IS NULL, 0, 1)      AS in_trx
FROM
    performance_schema.threads t
    LEFT JOIN information_schema.innodb_trx tx ON tx.trx_mysql_thread_id = t.processlist_id
WHERE
    t.processlist_id IS NOT NULL AND
    t.processlist_time IS NOT NULL AND
    t.processlist_command != 'Daemon'`

// ProcesslistInfoSchema is the information_schema fallback for servers
// without performance_schema, or when toggled at runtime.
const ProcesslistInfoSchema = `
SELECT
    pl.Id                 AS id,
    IFNULL(pl.User, '')   AS user,
    IFNULL(pl.Host, '')   AS host,
    IFNULL(pl.db, '')     AS db,
    IFNULL(pl.Command, '') AS command,
    IFNULL(pl.Time, 0)    AS time,
    IFNULL(pl.State, '')  AS state,
    IFNULL(pl.Info, '')   AS query,
    IF(tx.trx_id IS NULL, 0, 1) AS in_trx
FROM
    information_schema.PROCESSLIST pl
    LEFT JOIN information_schema.innodb_trx tx ON tx.trx_mysql_thread_id = pl.Id
WHERE
    pl.Command != 'Daemon'`

// Replication.
const (
	ShowReplicaStatus = "SHOW REPLICA STATUS"
	ShowSlaveStatus   = "SHOW SLAVE STATUS"

	// ShowBinaryLogStatus replaced SHOW MASTER STATUS in MySQL 8.2.
	ShowBinaryLogStatus = "SHOW BINARY LOG STATUS"
	ShowMasterStatus    = "SHOW MASTER STATUS"
)

// HeartbeatLag reads the freshest heartbeat row from a pt-heartbeat style
// table; %s is the configured schema.table identifier.
const HeartbeatLag = `
SELECT
    TIMESTAMPDIFF(SECOND, MAX(ts), NOW()) AS lag
FROM
    %s`

// PerfSchemaLag derives lag from applier worker commit timestamps. Only
// meaningful for multi-threaded replication on servers that populate these
// columns; elsewhere it returns NULL and the probe reports unknown.
const PerfSchemaLag = `
SELECT MAX(lag) AS lag
FROM (
    SELECT MAX(TIMESTAMPDIFF(SECOND, APPLYING_TRANSACTION_IMMEDIATE_COMMIT_TIMESTAMP, NOW())) AS lag
    FROM performance_schema.replication_applier_status_by_worker

    UNION

    SELECT MIN(
        IF(
            GTID_SUBTRACT(LAST_QUEUED_TRANSACTION, LAST_APPLIED_TRANSACTION) = '',
            0,
            TIMESTAMPDIFF(SECOND, LAST_APPLIED_TRANSACTION_IMMEDIATE_COMMIT_TIMESTAMP, NOW())
        )
    ) AS lag
    FROM performance_schema.replication_applier_status_by_worker w
    JOIN performance_schema.replication_connection_status s ON s.channel_name = w.channel_name
) candidates`

// InnoDBMetrics sweeps the counter view.
const InnoDBMetrics = `
SELECT
    NAME,
    COUNT
FROM
    information_schema.INNODB_METRICS`

// MetadataLocks lists granted and pending metadata locks held by user
// threads (5.7+, requires the mdl instrument).
const MetadataLocks = `
SELECT
    IFNULL(ml.OBJECT_SCHEMA, '')   AS object_schema,
    IFNULL(ml.OBJECT_NAME, '')     AS object_name,
    ml.LOCK_TYPE                   AS lock_type,
    ml.LOCK_STATUS                 AS lock_status,
    IFNULL(t.processlist_id, 0)    AS owner_thread_id
FROM
    performance_schema.metadata_locks ml
    LEFT JOIN performance_schema.threads t ON t.thread_id = ml.OWNER_THREAD_ID
WHERE
    ml.OBJECT_TYPE != 'USER LEVEL LOCK' AND
    (t.processlist_id IS NULL OR t.processlist_id != CONNECTION_ID())`

// ProxySQL admin interface.
const (
	ProxySQLHostgroupSummary = `
SELECT
    hostgroup,
    srv_host,
    srv_port,
    status,
    ConnUsed   AS connections_used,
    ConnFree   AS connections_free,
    Queries    AS queries,
    Bytes_data_sent AS bytes_sent,
    Bytes_data_recv AS bytes_recv
FROM
    stats.stats_mysql_connection_pool
ORDER BY
    hostgroup, srv_host`

	ProxySQLQueryRules = `
SELECT
    rule_id,
    hits
FROM
    stats.stats_mysql_query_rules
ORDER BY
    rule_id`

	ProxySQLGlobalStatus = "SELECT Variable_Name, Variable_Value FROM stats.stats_mysql_global"
)
