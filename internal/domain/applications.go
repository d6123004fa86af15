package domain

// Application is a request to join a project or perform a mission. It lives
// inside its target document and is never stored on its own.
type Application struct {
	ID          string  `json:"id"`
	ApplicantID string  `json:"applicant_id"`
	RecipientID string  `json:"recipient_id"`
	Message     string  `json:"message,omitempty"`
	Kind        string  `json:"kind" enum:"application,proposal"`
	Status      string  `json:"status" enum:"pending,accepted,rejected"`
	CreatedAt   string  `json:"created_at" format:"date-time"`
	DecidedAt   *string `json:"decided_at,omitempty" format:"date-time"`
	DecidedBy   *string `json:"decided_by,omitempty"`

	Applicant *DisplayFields `json:"applicant,omitempty"`
}

// Active reports whether the application blocks a new one from the same applicant.
func (a Application) Active() bool {
	return a.Status == ApplicationPending || a.Status == ApplicationAccepted
}

// Decided reports whether the application reached a terminal status.
func (a Application) Decided() bool {
	return a.Status == ApplicationAccepted || a.Status == ApplicationRejected
}

// Applications is the embedded application list of a project or mission.
type Applications []Application

// Index returns the position of the application with the given id, or -1.
func (as Applications) Index(id string) int {
	for i := range as {
		if as[i].ID == id {
			return i
		}
	}
	return -1
}

// ActiveIndex returns the position of the applicant's pending or accepted
// application, or -1.
func (as Applications) ActiveIndex(applicantID string) int {
	for i := range as {
		if as[i].ApplicantID == applicantID && as[i].Active() {
			return i
		}
	}
	return -1
}

// LatestIndex returns the position of the applicant's most recent
// application, preferring an active one.
func (as Applications) LatestIndex(applicantID string) int {
	if i := as.ActiveIndex(applicantID); i >= 0 {
		return i
	}
	for i := len(as) - 1; i >= 0; i-- {
		if as[i].ApplicantID == applicantID {
			return i
		}
	}
	return -1
}

// AcceptedIndex returns the position of the applicant's accepted application, or -1.
func (as Applications) AcceptedIndex(applicantID string) int {
	for i := range as {
		if as[i].ApplicantID == applicantID && as[i].Status == ApplicationAccepted {
			return i
		}
	}
	return -1
}

// CountAccepted returns how many applications are accepted.
func (as Applications) CountAccepted() int {
	n := 0
	for _, a := range as {
		if a.Status == ApplicationAccepted {
			n++
		}
	}
	return n
}

// Without returns a copy with the element at i removed.
func (as Applications) Without(i int) Applications {
	out := make(Applications, 0, len(as)-1)
	out = append(out, as[:i]...)
	return append(out, as[i+1:]...)
}

// Clone returns a copy that can be mutated without touching the receiver.
func (as Applications) Clone() Applications {
	if as == nil {
		return Applications{}
	}
	out := make(Applications, len(as))
	copy(out, as)
	return out
}

// Collaborator is a standing member of a project.
type Collaborator struct {
	UserID   string `json:"user_id"`
	Role     string `json:"role"`
	JoinedAt string `json:"joined_at" format:"date-time"`

	User *DisplayFields `json:"user,omitempty"`
}

// Collaborators is the embedded collaborator list of a project.
type Collaborators []Collaborator

// Index returns the position of the user's collaborator entry, or -1.
func (cs Collaborators) Index(userID string) int {
	for i := range cs {
		if cs[i].UserID == userID {
			return i
		}
	}
	return -1
}

// Has reports whether the user is a collaborator.
func (cs Collaborators) Has(userID string) bool {
	return cs.Index(userID) >= 0
}

// Without returns a copy with the element at i removed.
func (cs Collaborators) Without(i int) Collaborators {
	out := make(Collaborators, 0, len(cs)-1)
	out = append(out, cs[:i]...)
	return append(out, cs[i+1:]...)
}

// Clone returns a copy that can be mutated without touching the receiver.
func (cs Collaborators) Clone() Collaborators {
	if cs == nil {
		return Collaborators{}
	}
	out := make(Collaborators, len(cs))
	copy(out, cs)
	return out
}
