package main

import (
	"fmt"
	"net/http"
	"sort"

	"scenewarden/internal/activation"
	"scenewarden/internal/persistence/mirror"
	"scenewarden/internal/persistence/sessiondb"
	"scenewarden/internal/session"
	"scenewarden/internal/transport/observer"
)

func metricsHandler(sess *session.Session, stream *observer.Server, db *sessiondb.DB, mir *mirror.Mirror) http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		var (
			tick    uint64
			st      activation.Stats
			counts  map[string]int
			diags   int
			rescans int
			hidden  int
		)
		err := sess.Do(r.Context(), func() {
			tick = sess.Controller().CurrentTick()
			st = sess.Stats()
			counts = sess.Registry().Counts()
			diags = len(sess.Diagnostics())
			rescans = sess.Rescans()
		})
		if err != nil {
			http.Error(rw, err.Error(), http.StatusServiceUnavailable)
			return
		}
		if occ := sess.Occlusion(); occ != nil {
			hidden = len(occ.Hidden())
		}
		id := sess.ID

		rw.Header().Set("Content-Type", "text/plain; version=0.0.4")

		fmt.Fprintf(rw, "# HELP scenewarden_tick Current session tick.\n")
		fmt.Fprintf(rw, "# TYPE scenewarden_tick gauge\n")
		fmt.Fprintf(rw, "scenewarden_tick{session=%q} %d\n", id, tick)

		fmt.Fprintf(rw, "# HELP scenewarden_entities Registered entities by kind.\n")
		fmt.Fprintf(rw, "# TYPE scenewarden_entities gauge\n")
		kinds := make([]string, 0, len(counts))
		for k := range counts {
			kinds = append(kinds, k)
		}
		sort.Strings(kinds)
		for _, k := range kinds {
			fmt.Fprintf(rw, "scenewarden_entities{session=%q,kind=%q} %d\n", id, k, counts[k])
		}

		fmt.Fprintf(rw, "# HELP scenewarden_activation_total Activation controller counters.\n")
		fmt.Fprintf(rw, "# TYPE scenewarden_activation_total counter\n")
		fmt.Fprintf(rw, "scenewarden_activation_total{session=%q,counter=%q} %d\n", id, "transitions", st.Transitions)
		fmt.Fprintf(rw, "scenewarden_activation_total{session=%q,counter=%q} %d\n", id, "skips", st.Skips)
		fmt.Fprintf(rw, "scenewarden_activation_total{session=%q,counter=%q} %d\n", id, "faults", st.Faults)
		fmt.Fprintf(rw, "scenewarden_activation_total{session=%q,counter=%q} %d\n", id, "coalesced", st.Coalesced)
		fmt.Fprintf(rw, "scenewarden_activation_total{session=%q,counter=%q} %d\n", id, "missing", st.Missing)

		fmt.Fprintf(rw, "# HELP scenewarden_occlusion_hidden Nodes currently hidden by occlusion.\n")
		fmt.Fprintf(rw, "# TYPE scenewarden_occlusion_hidden gauge\n")
		fmt.Fprintf(rw, "scenewarden_occlusion_hidden{session=%q} %d\n", id, hidden)

		fmt.Fprintf(rw, "# HELP scenewarden_diagnostics Diagnostics reported this session.\n")
		fmt.Fprintf(rw, "# TYPE scenewarden_diagnostics gauge\n")
		fmt.Fprintf(rw, "scenewarden_diagnostics{session=%q} %d\n", id, diags)

		fmt.Fprintf(rw, "# HELP scenewarden_rescans_total Spawn-triggered item rescans.\n")
		fmt.Fprintf(rw, "# TYPE scenewarden_rescans_total counter\n")
		fmt.Fprintf(rw, "scenewarden_rescans_total{session=%q} %d\n", id, rescans)

		fmt.Fprintf(rw, "# HELP scenewarden_stream_clients Connected debug viewers.\n")
		fmt.Fprintf(rw, "# TYPE scenewarden_stream_clients gauge\n")
		fmt.Fprintf(rw, "scenewarden_stream_clients{session=%q} %d\n", id, stream.Clients())
		fmt.Fprintf(rw, "# HELP scenewarden_stream_dropped_total Viewer messages dropped for slow clients.\n")
		fmt.Fprintf(rw, "# TYPE scenewarden_stream_dropped_total counter\n")
		fmt.Fprintf(rw, "scenewarden_stream_dropped_total{session=%q} %d\n", id, stream.Dropped())

		if db != nil {
			fmt.Fprintf(rw, "# HELP scenewarden_db_dropped_total Session db writes dropped on a full queue.\n")
			fmt.Fprintf(rw, "# TYPE scenewarden_db_dropped_total counter\n")
			fmt.Fprintf(rw, "scenewarden_db_dropped_total{session=%q} %d\n", id, db.Dropped())
		}
		if mir != nil {
			ms := mir.Stats()
			fmt.Fprintf(rw, "# HELP scenewarden_mirror_queue_depth Mirror upload queue depth.\n")
			fmt.Fprintf(rw, "# TYPE scenewarden_mirror_queue_depth gauge\n")
			fmt.Fprintf(rw, "scenewarden_mirror_queue_depth{session=%q} %d\n", id, ms.QueueDepth)
			fmt.Fprintf(rw, "# HELP scenewarden_mirror_total Mirror upload counters.\n")
			fmt.Fprintf(rw, "# TYPE scenewarden_mirror_total counter\n")
			fmt.Fprintf(rw, "scenewarden_mirror_total{session=%q,result=%q} %d\n", id, "success", ms.UploadSuccessTotal)
			fmt.Fprintf(rw, "scenewarden_mirror_total{session=%q,result=%q} %d\n", id, "fail", ms.UploadFailTotal)
			fmt.Fprintf(rw, "scenewarden_mirror_total{session=%q,result=%q} %d\n", id, "dropped", ms.DroppedTotal)
		}
	}
}
