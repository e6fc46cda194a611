package httpapi

import "github.com/prometheus/client_golang/prometheus"

// collector implements prometheus.Collector, reading the node's live state
// on every scrape rather than mirroring it into precomputed counters —
// the same shape as pkg/exporter's TCPInfoCollector.Collect.
type collector struct {
	s *Server

	neighbors       *prometheus.Desc
	routes          *prometheus.Desc
	dedupEntries    *prometheus.Desc
	dataDelivered   *prometheus.Desc
	dataForwarded   *prometheus.Desc
	dedupSuppressed *prometheus.Desc
	linkState       *prometheus.Desc
	linkTxFrames    *prometheus.Desc
	linkRxFrames    *prometheus.Desc
	linkReconnects  *prometheus.Desc
}

func newCollector(s *Server) *collector {
	const ns = "meshchat"
	return &collector{
		s:               s,
		neighbors:       prometheus.NewDesc(ns+"_neighbors", "Number of live neighbors in the routing table.", nil, nil),
		routes:          prometheus.NewDesc(ns+"_routes", "Number of known multi-hop routes.", nil, nil),
		dedupEntries:    prometheus.NewDesc(ns+"_dedup_entries", "Number of entries currently held in the dedup cache.", nil, nil),
		dataDelivered:   prometheus.NewDesc(ns+"_data_delivered_total", "DATA frames delivered to the local Chat Client.", nil, nil),
		dataForwarded:   prometheus.NewDesc(ns+"_data_forwarded_total", "DATA frames relayed toward another node.", nil, nil),
		dedupSuppressed: prometheus.NewDesc(ns+"_dedup_suppressed_total", "Frames suppressed as duplicates.", nil, nil),
		linkState:       prometheus.NewDesc(ns+"_link_state", "Current link state (see link.State ordinal).", []string{"link"}, nil),
		linkTxFrames:    prometheus.NewDesc(ns+"_link_tx_frames_total", "Frames transmitted on this link.", []string{"link"}, nil),
		linkRxFrames:    prometheus.NewDesc(ns+"_link_rx_frames_total", "Frames received on this link.", []string{"link"}, nil),
		linkReconnects:  prometheus.NewDesc(ns+"_link_reconnects_total", "Reconnect attempts observed on this link.", []string{"link"}, nil),
	}
}

func (c *collector) Describe(descs chan<- *prometheus.Desc) {
	descs <- c.neighbors
	descs <- c.routes
	descs <- c.dedupEntries
	descs <- c.dataDelivered
	descs <- c.dataForwarded
	descs <- c.dedupSuppressed
	descs <- c.linkState
	descs <- c.linkTxFrames
	descs <- c.linkRxFrames
	descs <- c.linkReconnects
}

func (c *collector) Collect(metrics chan<- prometheus.Metric) {
	rt := c.s.node.Routing()
	metrics <- prometheus.MustNewConstMetric(c.neighbors, prometheus.GaugeValue, float64(len(rt.Neighbors())))
	metrics <- prometheus.MustNewConstMetric(c.routes, prometheus.GaugeValue, float64(len(rt.Routes())))
	if c.s.dedup != nil {
		metrics <- prometheus.MustNewConstMetric(c.dedupEntries, prometheus.GaugeValue, float64(c.s.dedup.Len()))
	}

	nm := c.s.node.Metrics()
	metrics <- prometheus.MustNewConstMetric(c.dataDelivered, prometheus.CounterValue, float64(nm.DataDelivered))
	metrics <- prometheus.MustNewConstMetric(c.dataForwarded, prometheus.CounterValue, float64(nm.DataForwarded))
	metrics <- prometheus.MustNewConstMetric(c.dedupSuppressed, prometheus.CounterValue, float64(nm.DedupSuppressed))

	for _, l := range c.s.mux.Links() {
		name := l.Name()
		lm := l.Metrics()
		metrics <- prometheus.MustNewConstMetric(c.linkState, prometheus.GaugeValue, float64(lm.State), name)
		metrics <- prometheus.MustNewConstMetric(c.linkTxFrames, prometheus.CounterValue, float64(lm.TxFrames), name)
		metrics <- prometheus.MustNewConstMetric(c.linkRxFrames, prometheus.CounterValue, float64(lm.RxFrames), name)
		metrics <- prometheus.MustNewConstMetric(c.linkReconnects, prometheus.CounterValue, float64(lm.Reconnects), name)
	}
}
