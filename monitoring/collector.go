package monitoring

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Prometheus Metric descriptor indices and descriptor table
const (
	treeDirectoriesDesc = iota
	treeDirectoriesAllocatedDesc
	treeDirectoriesFreedDesc
	treeGetsDesc
	treePutsDesc
	treeRetriesDesc
	treeInvalidatesDesc
	treeFallbacksDesc
	treeLeaksDesc
	treePushesDesc
	devicePushesDesc
	deviceBytesWrittenDesc
	deviceWalksDesc
	deviceFaultsDesc
	deviceTLBLookupsDesc
	numDescriptors
)

var treeLabels = []string{"tree", "arch", "kind", "location"}

var descriptors = [numDescriptors]*prometheus.Desc{
	treeDirectoriesDesc: prometheus.NewDesc(
		"gpuvm_tree_directories",
		"Live page directories of a tree, the root included.",
		treeLabels, nil,
	),
	treeDirectoriesAllocatedDesc: prometheus.NewDesc(
		"gpuvm_tree_directories_allocated_total",
		"Page directories allocated by a tree.",
		treeLabels, nil,
	),
	treeDirectoriesFreedDesc: prometheus.NewDesc(
		"gpuvm_tree_directories_freed_total",
		"Page directories freed by a tree.",
		treeLabels, nil,
	),
	treeGetsDesc: prometheus.NewDesc(
		"gpuvm_tree_gets_total",
		"Page table ranges reserved in a tree.",
		treeLabels, nil,
	),
	treePutsDesc: prometheus.NewDesc(
		"gpuvm_tree_puts_total",
		"Page table ranges released in a tree.",
		treeLabels, nil,
	),
	treeRetriesDesc: prometheus.NewDesc(
		"gpuvm_tree_retries_total",
		"Reservations restarted after allocating directories.",
		treeLabels, nil,
	),
	treeInvalidatesDesc: prometheus.NewDesc(
		"gpuvm_tree_invalidates_total",
		"TLB invalidates issued by a tree.",
		treeLabels, nil,
	),
	treeFallbacksDesc: prometheus.NewDesc(
		"gpuvm_tree_sysmem_fallbacks_total",
		"Directories placed in system memory because video memory ran out.",
		treeLabels, nil,
	),
	treeLeaksDesc: prometheus.NewDesc(
		"gpuvm_tree_leaks_total",
		"Directories leaked because the channels were faulted.",
		treeLabels, nil,
	),
	treePushesDesc: prometheus.NewDesc(
		"gpuvm_tree_pushes_total",
		"Pushes a tree submitted.",
		treeLabels, nil,
	),
	devicePushesDesc: prometheus.NewDesc(
		"gpuvm_device_pushes_total",
		"Pushes a GPU executed.",
		[]string{"device"}, nil,
	),
	deviceBytesWrittenDesc: prometheus.NewDesc(
		"gpuvm_device_bytes_written_total",
		"Bytes the copy engines of a GPU wrote.",
		[]string{"device"}, nil,
	),
	deviceWalksDesc: prometheus.NewDesc(
		"gpuvm_device_walks_total",
		"Page-table walks of a GPU.",
		[]string{"device"}, nil,
	),
	deviceFaultsDesc: prometheus.NewDesc(
		"gpuvm_device_faults_total",
		"Translations of a GPU that found no mapping.",
		[]string{"device"}, nil,
	),
	deviceTLBLookupsDesc: prometheus.NewDesc(
		"gpuvm_device_tlb_lookups_total",
		"TLB lookups of a GPU.",
		[]string{"device", "result"}, nil,
	),
}

// collector exports the statistics of the monitored trees and devices.
type collector struct {
	m *Monitor
}

// Describe implements prometheus.Collector interface
func (c *collector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range descriptors {
		ch <- d
	}
}

// Collect implements prometheus.Collector interface
func (c *collector) Collect(ch chan<- prometheus.Metric) {
	for _, s := range c.m.treeSnapshot() {
		labels := []string{s.Name, s.Arch, s.Kind, s.Location}

		ch <- prometheus.MustNewConstMetric(
			descriptors[treeDirectoriesDesc],
			prometheus.GaugeValue,
			float64(s.Directories),
			labels...,
		)

		counters := []struct {
			desc  int
			value uint64
		}{
			{treeDirectoriesAllocatedDesc, s.DirectoriesAllocated},
			{treeDirectoriesFreedDesc, s.DirectoriesFreed},
			{treeGetsDesc, s.Gets},
			{treePutsDesc, s.Puts},
			{treeRetriesDesc, s.Retries},
			{treeInvalidatesDesc, s.Invalidates},
			{treeFallbacksDesc, s.Fallbacks},
			{treeLeaksDesc, s.Leaks},
			{treePushesDesc, s.Pushes},
		}

		for _, counter := range counters {
			ch <- prometheus.MustNewConstMetric(
				descriptors[counter.desc],
				prometheus.CounterValue,
				float64(counter.value),
				labels...,
			)
		}
	}

	for name, s := range c.m.deviceSnapshot() {
		for desc, value := range map[int]uint64{
			devicePushesDesc:       s.Pushes,
			deviceBytesWrittenDesc: s.BytesWritten,
			deviceWalksDesc:        s.Walks,
			deviceFaultsDesc:       s.Faults,
		} {
			ch <- prometheus.MustNewConstMetric(
				descriptors[desc],
				prometheus.CounterValue,
				float64(value),
				name,
			)
		}

		ch <- prometheus.MustNewConstMetric(
			descriptors[deviceTLBLookupsDesc],
			prometheus.CounterValue,
			float64(s.TLB.Hits),
			name, "hit",
		)
		ch <- prometheus.MustNewConstMetric(
			descriptors[deviceTLBLookupsDesc],
			prometheus.CounterValue,
			float64(s.TLB.Misses),
			name, "miss",
		)
	}
}
