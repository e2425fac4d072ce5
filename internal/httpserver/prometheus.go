package httpserver

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/skobkin/jobmon/internal/sampler"
)

// sampleCollector exports the latest recorded sample. Absent metrics are
// not emitted.
type sampleCollector struct {
	feed     SampleFeed
	recorded *prometheus.Desc
	host     []sampleMetric
	devices  []deviceMetric
}

type sampleMetric struct {
	desc    *prometheus.Desc
	extract func(sample sampler.Sample) (float64, bool)
}

type deviceMetric struct {
	desc    *prometheus.Desc
	extract func(dev sampler.Device) (float64, bool)
}

func newSampleCollector(feed SampleFeed) prometheus.Collector {
	if feed == nil {
		return nil
	}

	desc := func(subsystem, name, help string, labels ...string) *prometheus.Desc {
		return prometheus.NewDesc(
			prometheus.BuildFQName("jobmon", subsystem, name),
			help,
			labels,
			nil,
		)
	}

	return &sampleCollector{
		feed:     feed,
		recorded: desc("", "samples_recorded_total", "Samples recorded since the run started."),
		host: []sampleMetric{
			{
				desc: desc("host", "cpu_percent", "Host-wide CPU busy percentage."),
				extract: func(s sampler.Sample) (float64, bool) {
					return s.CPUPercent, true
				},
			},
			{
				desc: desc("host", "ram_used_bytes", "Host RAM in use."),
				extract: func(s sampler.Sample) (float64, bool) {
					return float64(s.RAMUsedBytes), true
				},
			},
			{
				desc: desc("host", "ram_available_bytes", "Host RAM available."),
				extract: func(s sampler.Sample) (float64, bool) {
					return float64(s.RAMAvailableBytes), true
				},
			},
			{
				desc: desc("job", "cpu_percent", "CPU percentage of the job process tree, not normalised by core count."),
				extract: func(s sampler.Sample) (float64, bool) {
					if s.ProcessCPUPercent == nil {
						return 0, false
					}
					return *s.ProcessCPUPercent, true
				},
			},
			{
				desc: desc("job", "rss_bytes", "Resident memory of the job process tree."),
				extract: func(s sampler.Sample) (float64, bool) {
					if s.ProcessRSSBytes == nil {
						return 0, false
					}
					return float64(*s.ProcessRSSBytes), true
				},
			},
			{
				desc: desc("job", "gpu_memory_bytes", "VRAM held by the job process tree, from DRM fdinfo."),
				extract: func(s sampler.Sample) (float64, bool) {
					if s.ProcessGPUMemoryBytes == nil {
						return 0, false
					}
					return float64(*s.ProcessGPUMemoryBytes), true
				},
			},
			{
				desc: desc("", "sample_age_seconds", "Seconds elapsed since the latest sample was collected."),
				extract: func(s sampler.Sample) (float64, bool) {
					if s.Timestamp.IsZero() {
						return 0, false
					}
					age := time.Since(s.Timestamp).Seconds()
					if age < 0 {
						age = 0
					}
					return age, true
				},
			},
		},
		devices: []deviceMetric{
			{
				desc: desc("gpu", "memory_used_bytes", "GPU memory in use.", "gpu_id", "vendor"),
				extract: func(d sampler.Device) (float64, bool) {
					if d.MemoryUsedBytes == nil {
						return 0, false
					}
					return float64(*d.MemoryUsedBytes), true
				},
			},
			{
				desc: desc("gpu", "memory_total_bytes", "GPU memory capacity.", "gpu_id", "vendor"),
				extract: func(d sampler.Device) (float64, bool) {
					if d.MemoryTotalBytes == nil {
						return 0, false
					}
					return float64(*d.MemoryTotalBytes), true
				},
			},
			{
				desc: desc("gpu", "utilization_percent", "GPU engine utilization percentage.", "gpu_id", "vendor"),
				extract: func(d sampler.Device) (float64, bool) {
					if d.UtilizationPercent == nil {
						return 0, false
					}
					return *d.UtilizationPercent, true
				},
			},
			{
				desc: desc("gpu", "memory_free_bytes", "GPU memory not in use.", "gpu_id", "vendor"),
				extract: func(d sampler.Device) (float64, bool) {
					if d.MemoryFreeBytes == nil {
						return 0, false
					}
					return float64(*d.MemoryFreeBytes), true
				},
			},
			{
				desc: desc("gpu", "memory_utilization_percent", "GPU memory controller utilization percentage.", "gpu_id", "vendor"),
				extract: func(d sampler.Device) (float64, bool) {
					if d.MemoryUtilizationPercent == nil {
						return 0, false
					}
					return *d.MemoryUtilizationPercent, true
				},
			},
		},
	}
}

func (c *sampleCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.recorded
	for _, metric := range c.host {
		ch <- metric.desc
	}
	for _, metric := range c.devices {
		ch <- metric.desc
	}
}

func (c *sampleCollector) Collect(ch chan<- prometheus.Metric) {
	ch <- prometheus.MustNewConstMetric(c.recorded, prometheus.CounterValue, float64(c.feed.Published()))

	sample, ok := c.feed.Latest()
	if !ok {
		return
	}
	for _, metric := range c.host {
		if value, ok := metric.extract(sample); ok {
			ch <- prometheus.MustNewConstMetric(metric.desc, prometheus.GaugeValue, value)
		}
	}
	for _, dev := range sample.GPUs {
		for _, metric := range c.devices {
			if value, ok := metric.extract(dev); ok {
				ch <- prometheus.MustNewConstMetric(metric.desc, prometheus.GaugeValue, value, dev.ID, dev.Vendor)
			}
		}
	}
}
