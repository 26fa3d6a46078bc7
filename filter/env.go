package filter

/*
Env is the expression environment for message target filters. Once fixed it
should not be changed, otherwise filters embedded in stored messages may not
compile any more (f.e. if properties are renamed).
*/

type User struct {
	Id          string
	Username    string
	DisplayName string
	Online      bool
}

type Room struct {
	Id      string
	Name    string
	Private bool
}

type Env struct {
	Room   Room
	Sender User
	Target User
}

// IsSelf reports whether the filter is being evaluated against the sender's
// own identity (another device of the author).
func (e Env) IsSelf() bool {
	return e.Sender.Id == e.Target.Id
}
