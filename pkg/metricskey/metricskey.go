package metricskey

import "github.com/effective-security/metrics"

// Stats
var (
	StatsToolCallsSucceeded = metrics.Describe{
		Type:         metrics.TypeCounter,
		Name:         "stats_tool_calls_succeeded",
		Help:         "stats_tool_calls_succeeded provides total tool calls succeeded",
		RequiredTags: []string{"tool"},
	}

	StatsToolCallsFailed = metrics.Describe{
		Type:         metrics.TypeCounter,
		Name:         "stats_tool_calls_failed",
		Help:         "stats_tool_calls_failed provides total tool calls failed",
		RequiredTags: []string{"tool"},
	}

	StatsToolCallsNotFound = metrics.Describe{
		Type:         metrics.TypeCounter,
		Name:         "stats_tool_calls_not_found",
		Help:         "stats_tool_calls_not_found provides total tool calls not found",
		RequiredTags: []string{"tool"},
	}

	StatsInvocationsSucceeded = metrics.Describe{
		Type:         metrics.TypeCounter,
		Name:         "stats_invocations_succeeded",
		Help:         "stats_invocations_succeeded provides total process invocations exited with code 0",
		RequiredTags: []string{"command"},
	}

	StatsInvocationsFailed = metrics.Describe{
		Type:         metrics.TypeCounter,
		Name:         "stats_invocations_failed",
		Help:         "stats_invocations_failed provides total process invocations failed",
		RequiredTags: []string{"command", "reason"},
	}

	StatsChunkSetsStored = metrics.Describe{
		Type:         metrics.TypeCounter,
		Name:         "stats_chunk_sets_stored",
		Help:         "stats_chunk_sets_stored provides total chunked responses stored",
		RequiredTags: []string{"status"},
	}

	StatsChunksFetched = metrics.Describe{
		Type:         metrics.TypeCounter,
		Name:         "stats_chunks_fetched",
		Help:         "stats_chunks_fetched provides total chunks fetched by continuation",
		RequiredTags: []string{"status"},
	}

	StatsProgressDropped = metrics.Describe{
		Type:         metrics.TypeCounter,
		Name:         "stats_progress_dropped",
		Help:         "stats_progress_dropped provides total progress notifications failed to deliver",
		RequiredTags: []string{"tool"},
	}
)

// Perf
var (
	PerfToolCall = metrics.Describe{
		Type:         metrics.TypeSample,
		Name:         "perf_tool_call",
		Help:         "perf_tool_call provides duration of tool call",
		RequiredTags: []string{"tool"},
	}

	PerfInvocation = metrics.Describe{
		Type:         metrics.TypeSample,
		Name:         "perf_invocation",
		Help:         "perf_invocation provides duration of process invocation",
		RequiredTags: []string{"command"},
	}
)

// Metrics returns slice of metrics from this repo
// keep sorted by name
var Metrics = []*metrics.Describe{
	&PerfInvocation,
	&PerfToolCall,
	&StatsChunkSetsStored,
	&StatsChunksFetched,
	&StatsInvocationsFailed,
	&StatsInvocationsSucceeded,
	&StatsProgressDropped,
	&StatsToolCallsFailed,
	&StatsToolCallsNotFound,
	&StatsToolCallsSucceeded,
}
