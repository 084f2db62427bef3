package projection

// ChangeKind describes how an item changed
type ChangeKind string

const (
	ChangeUpsert ChangeKind = "upsert"
	ChangeRemove ChangeKind = "remove"
	// ChangeReplace swaps a provisional entry for its confirmed id
	ChangeReplace ChangeKind = "replace"
)

// Change is delivered to observers after the view changed
type Change struct {
	Kind ChangeKind
	ID   string
	// PrevID is the replaced provisional id for ChangeReplace
	PrevID string
	// Item is the new value; zero for ChangeRemove
	Item Item
	// Err is set when the change is a rollback caused by a failed operation
	Err error
}

// Observer receives view changes. Calls are made outside the view lock.
type Observer interface {
	ViewChanged(c Change)
}

// ObserverFunc adapts a function to Observer
type ObserverFunc func(Change)

func (f ObserverFunc) ViewChanged(c Change) { f(c) }

// Subscribe registers o and returns a function that unregisters it
func (v *View) Subscribe(o Observer) (unsubscribe func()) {
	v.mu.Lock()
	id := v.nextObs
	v.nextObs++
	v.observers[id] = o
	v.mu.Unlock()

	return func() {
		v.mu.Lock()
		delete(v.observers, id)
		v.mu.Unlock()
	}
}

// observerList must be called with v.mu held
func (v *View) observerList() []Observer {
	out := make([]Observer, 0, len(v.observers))
	for i := 0; i < v.nextObs; i++ {
		if o, ok := v.observers[i]; ok {
			out = append(out, o)
		}
	}
	return out
}

func publish(obs []Observer, changes []Change) {
	for _, c := range changes {
		for _, o := range obs {
			o.ViewChanged(c)
		}
	}
}
