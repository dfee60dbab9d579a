/*
Package metrics exports file table activity to Prometheus.

A Collector is passed to the file table as its Observer and counts acquire
attempts by result, teardowns, failed release callbacks and reclaimed
records, with a histogram of teardown latency. RegisterTable adds gauges
that read the table's approximate and exact open-file counts and its ceiling
at scrape time.

	collector, err := metrics.NewCollector(&metrics.Config{
		Enabled:   true,
		Address:   ":9090",
		Path:      "/metrics",
		Namespace: "filetable",
	}, logger)
	if err != nil {
		return err
	}
	table, err := filetable.New(filetable.Config{Observer: collector})
	if err != nil {
		return err
	}
	if err := collector.RegisterTable(table); err != nil {
		return err
	}
	if err := collector.Start(ctx); err != nil {
		return err
	}
	defer collector.Stop(context.Background())

Exported series (namespace "filetable"):

	filetable_acquires_total{result="ok|limit|nomem|denied|invalid|closed"}
	filetable_teardowns_total
	filetable_teardown_failures_total
	filetable_teardown_duration_seconds
	filetable_reclaims_total
	filetable_nr_files
	filetable_nr_files_exact
	filetable_max_files

The server also answers /health with a static JSON status.
*/
package metrics
