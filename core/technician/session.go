package technician

import (
	"sync"

	"fieldops/core/diagnostics"
	"fieldops/core/models"
)

// Screen is the technician screen to restore after a reload
type Screen string

const (
	ScreenJobs        Screen = ""
	ScreenJob         Screen = "job"
	ScreenDiagnostics Screen = "diagnostics"
	ScreenRepair      Screen = "repair"
	ScreenClosure     Screen = "closure"
	ScreenChecklist   Screen = "checklist"
)

// Session is the device's working context: who is working, the open job and its diagnostic run.
// It is owned by one Controller.
type Session struct {
	mu sync.RWMutex

	techID    string
	truckID   string
	helperIDs []string

	job       *models.Job
	run       *diagnostics.State
	miscParts []models.MiscPart
	screen    Screen

	// siteStatus is the last on-site status requested for the job, which may still be queued.
	siteStatus models.JobStatus
}

func NewSession(techID, truckID string) *Session {
	return &Session{techID: techID, truckID: truckID}
}

// View is a read-only copy of the session
type View struct {
	TechID    string            `json:"tech_id"`
	TruckID   string            `json:"truck_id,omitempty"`
	HelperIDs []string          `json:"helper_ids,omitempty"`
	Job       *models.Job       `json:"job,omitempty"`
	RunID     string            `json:"run_id,omitempty"`
	NodeID    string            `json:"node_id,omitempty"`
	NodeType  models.NodeType   `json:"node_type,omitempty"`
	Exhausted bool              `json:"exhausted,omitempty"`
	MiscParts []models.MiscPart `json:"misc_parts,omitempty"`
	Screen    Screen            `json:"screen"`
}

func (s *Session) View() View {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v := View{
		TechID:    s.techID,
		TruckID:   s.truckID,
		HelperIDs: append([]string(nil), s.helperIDs...),
		MiscParts: append([]models.MiscPart(nil), s.miscParts...),
		Screen:    s.screen,
	}
	if s.job != nil {
		job := *s.job
		v.Job = &job
	}
	if s.run != nil {
		v.RunID = s.run.Run.ID
		v.NodeID = s.run.Node.ID
		v.NodeType = s.run.Node.Type()
		v.Exhausted = s.run.Exhausted
	}
	return v
}

func (s *Session) TechID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.techID
}

// SetCrew records the truck and helpers riding with the technician.
func (s *Session) SetCrew(truckID string, helperIDs []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.truckID = truckID
	s.helperIDs = append([]string(nil), helperIDs...)
}

func (s *Session) Job() *models.Job {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.job == nil {
		return nil
	}
	job := *s.job
	return &job
}

func (s *Session) Run() *diagnostics.State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.run
}

func (s *Session) Screen() Screen {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.screen
}

func (s *Session) truck(job *models.Job) string {
	if job != nil && job.TruckID != "" {
		return job.TruckID
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.truckID
}

func (s *Session) setJob(job *models.Job) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.job == nil || s.job.ID != job.ID {
		s.miscParts = nil
		s.run = nil
	}
	s.job = job
	s.siteStatus = job.Status
}

func (s *Session) setRun(st *diagnostics.State) {
	s.mu.Lock()
	s.run = st
	s.mu.Unlock()
}

func (s *Session) setScreen(screen Screen) {
	s.mu.Lock()
	s.screen = screen
	s.mu.Unlock()
}

func (s *Session) addMiscPart(p models.MiscPart) {
	s.mu.Lock()
	s.miscParts = append(s.miscParts, p)
	s.mu.Unlock()
}

func (s *Session) misc() []models.MiscPart {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]models.MiscPart(nil), s.miscParts...)
}

func (s *Session) requestSiteStatus(status models.JobStatus) (changed bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.siteStatus.OnSite() || s.siteStatus == status {
		return false
	}
	s.siteStatus = status
	return true
}

// clear drops the job and everything attached to it, returning the technician to the job list.
func (s *Session) clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.job = nil
	s.run = nil
	s.miscParts = nil
	s.siteStatus = ""
	s.screen = ScreenJobs
}

// assumeStatus records a status change that is queued but not yet applied remotely.
func (s *Session) assumeStatus(status models.JobStatus) {
	s.mu.Lock()
	s.siteStatus = status
	s.mu.Unlock()
}
