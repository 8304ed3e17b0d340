package emergency

// Status：记录的生命周期状态
type Status string

const (
	StatusPending   Status = "pending"
	StatusResponded Status = "responded"
	StatusResolved  Status = "resolved"
	StatusCancelled Status = "cancelled"
)

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusResponded, StatusResolved, StatusCancelled:
		return true
	}
	return false
}

// Terminal：终态不再允许任何迁移
func (s Status) Terminal() bool {
	return s == StatusResolved || s == StatusCancelled
}

var transitions = map[Status][]Status{
	StatusPending:   {StatusResponded, StatusCancelled},
	StatusResponded: {StatusResolved, StatusCancelled},
}

// CanTransition：from 到 to 是否为生命周期图中的边
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}
