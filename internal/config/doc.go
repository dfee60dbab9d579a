/*
Package config loads the file table service configuration.

Sources are applied in increasing order of precedence:

	defaults (NewDefault) → YAML file (LoadFromFile) → FILETABLE_* environment (LoadFromEnv) → flags

Validate reports every problem of the merged configuration in one error.

# Configuration file format

	table:
	  max_files: 0          # 0 sizes the ceiling from system memory
	  counter_shards: 0     # 0 uses GOMAXPROCS
	  counter_batch: 0      # 0 uses the counter default

	reclaim:
	  interval: 10ms
	  readers: 0

	pool:
	  limit: 0              # records in use at once, 0 is unlimited

	logging:
	  level: info           # debug, info, warn, error
	  format: json          # json, console

	metrics:
	  enabled: true
	  address: ":9090"
	  path: /metrics
	  namespace: filetable
	  update_interval: 15s

	mount:
	  enabled: false
	  mount_point: /mnt/filetable
	  fs_name: filetable
	  files: 4

# Environment variables

	FILETABLE_MAX_FILES         table.max_files
	FILETABLE_COUNTER_SHARDS    table.counter_shards
	FILETABLE_COUNTER_BATCH     table.counter_batch
	FILETABLE_POOL_LIMIT        pool.limit
	FILETABLE_RECLAIM_INTERVAL  reclaim.interval
	FILETABLE_LOG_LEVEL         logging.level
	FILETABLE_LOG_FORMAT        logging.format
	FILETABLE_METRICS_ENABLED   metrics.enabled
	FILETABLE_METRICS_ADDRESS   metrics.address
	FILETABLE_MOUNT_POINT       mount.mount_point (also enables the mount)
*/
package config
