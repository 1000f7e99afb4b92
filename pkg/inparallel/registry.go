package inparallel

// registry is the ordered collection of live task records of a controller.
// Records are added at spawn and removed when reaped.
type registry struct {
	records []*taskRecord
}

func (r *registry) add(rec *taskRecord) {
	r.records = append(r.records, rec)
}

func (r *registry) remove(rec *taskRecord) {
	for i, x := range r.records {
		if x == rec {
			r.records = append(r.records[:i], r.records[i+1:]...)
			return
		}
	}
}

func (r *registry) len() int {
	return len(r.records)
}
