package session

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/waveterm-ai/wave/internal/reversion"
	"github.com/waveterm-ai/wave/internal/sessionstore"
	"github.com/waveterm-ai/wave/pkg/types"
)

// Callbacks is the fan-out table from §4.5. Every field is optional; a nil
// callback is simply not invoked. The Subagent* variants additionally fire
// whenever the originating call carried a subagent id — including an empty
// string, which is "present but blank" and distinct from "absent" (see
// AddUserMessageParams.SubagentID).
type Callbacks struct {
	OnUserMessageAdded             func(msg *types.Message)
	OnAssistantMessageAdded        func(msg *types.Message)
	OnAssistantContentUpdated      func(chunk, accumulated string)
	OnAssistantReasoningUpdated    func(chunk, accumulated string)
	OnToolBlockUpdated             func(block *types.ToolBlock)
	OnMessagesChange               func()

	OnSubagentUserMessageAdded          func(subagentID string, msg *types.Message)
	OnSubagentAssistantMessageAdded     func(subagentID string, msg *types.Message)
	OnSubagentAssistantContentUpdated   func(subagentID, chunk, accumulated string)
	OnSubagentAssistantReasoningUpdated func(subagentID, chunk, accumulated string)
	OnSubagentToolBlockUpdated          func(subagentID string, block *types.ToolBlock)
}

// AddUserMessageParams is the input to AddUserMessage. SubagentID uses a
// pointer so "absent" (nil) and "present but empty" (non-nil, "") are
// distinguishable, per §4.5's callback fan-out rule.
type AddUserMessageParams struct {
	Content    string
	Source     types.Source
	SubagentID *string
}

// UpdateToolBlockParams merges into an existing tool block located by ID.
// Zero-value fields are not applied; set Stage/Result/Error explicitly to
// clear a field.
type UpdateToolBlockParams struct {
	ID         string
	Name       string
	Parameters map[string]any
	Stage      types.ToolStage
	Result     *string
	Error      *string
	Images     []string
	SubagentID *string
}

// MessageManager holds one session's live conversation state: the ordered
// message list, the ancestor chain identifiers, and accounting needed to
// append only unsaved messages to the journal (§4.4 invariant). One
// instance backs the top-level session; SubagentSupervisor constructs an
// isolated instance per child (§4.6).
type MessageManager struct {
	mu sync.Mutex

	store *sessionstore.Store

	sessionID       string
	parentSessionID *string
	rootSessionID   string
	workDir         string

	messages           []*types.Message
	messagesSavedCount int

	latestTotalTokens int
	filesInContext    map[string]struct{}

	callbacks Callbacks
}

// NewMessageManager starts a brand-new root session.
func NewMessageManager(store *sessionstore.Store, workDir string, callbacks Callbacks) *MessageManager {
	id := sessionstore.GenerateSessionID()
	return &MessageManager{
		store:          store,
		sessionID:      id,
		rootSessionID:  id,
		workDir:        workDir,
		filesInContext: make(map[string]struct{}),
		callbacks:      callbacks,
	}
}

// Resume rebuilds a MessageManager's in-memory state from a previously
// journaled session (used by session restoration and subagent session
// restoration, §4.6).
func Resume(store *sessionstore.Store, sess *types.Session, callbacks Callbacks) *MessageManager {
	parent := sess.ParentSessionID
	return &MessageManager{
		store:              store,
		sessionID:           sess.ID,
		parentSessionID:      parent,
		rootSessionID:        sess.RootSessionID,
		workDir:              sess.Workdir,
		messages:             sess.Messages,
		messagesSavedCount:   len(sess.Messages),
		latestTotalTokens:    sess.LatestTotalTokens,
		filesInContext:       make(map[string]struct{}),
		callbacks:            callbacks,
	}
}

func (mm *MessageManager) SessionID() string       { return mm.sessionID }
func (mm *MessageManager) RootSessionID() string   { return mm.rootSessionID }
func (mm *MessageManager) WorkDir() string         { return mm.workDir }
func (mm *MessageManager) LatestTotalTokens() int  { return mm.latestTotalTokens }

// Messages returns a snapshot of the current session's messages (not the
// full ancestor thread — see LoadFullThread for that).
func (mm *MessageManager) Messages() []*types.Message {
	mm.mu.Lock()
	defer mm.mu.Unlock()
	out := make([]*types.Message, len(mm.messages))
	copy(out, mm.messages)
	return out
}

// LoadFullThread walks the ancestor chain via SessionStore, giving the
// provider-facing view used to build the wire request (§4.1 step 3).
func (mm *MessageManager) LoadFullThread() ([]*types.Message, error) {
	mm.mu.Lock()
	workDir, sessionID := mm.workDir, mm.sessionID
	mm.mu.Unlock()
	return mm.store.LoadFullThread(workDir, sessionID)
}

// AddUserMessage appends a user message and fires the fan-out table's user
// row.
func (mm *MessageManager) AddUserMessage(params AddUserMessageParams) *types.Message {
	mm.mu.Lock()
	msg := &types.Message{
		ID:        ulid.Make().String(),
		SessionID: mm.sessionID,
		Role:      types.RoleUser,
		Source:    params.Source,
		Blocks:    types.Blocks{&types.TextBlock{Content: params.Content}},
		CreatedAt: nowMillis(),
	}
	mm.messages = append(mm.messages, msg)
	cbs := mm.callbacks
	mm.mu.Unlock()

	if cbs.OnUserMessageAdded != nil {
		cbs.OnUserMessageAdded(msg)
	}
	if params.SubagentID != nil && cbs.OnSubagentUserMessageAdded != nil {
		cbs.OnSubagentUserMessageAdded(*params.SubagentID, msg)
	}
	if cbs.OnMessagesChange != nil {
		cbs.OnMessagesChange()
	}
	return msg
}

// AddAssistantMessage appends an assistant message, optionally seeded with
// tool-call stubs (rendered as tool{stage:start} blocks).
func (mm *MessageManager) AddAssistantMessage(content string, toolCallStubs []*types.ToolBlock) *types.Message {
	mm.mu.Lock()
	blocks := types.Blocks{}
	if content != "" {
		blocks = append(blocks, &types.TextBlock{Content: content})
	}
	for _, tb := range toolCallStubs {
		if tb.Stage == "" {
			tb.Stage = types.ToolStageStart
		}
		blocks = append(blocks, tb)
	}
	msg := &types.Message{
		ID:        ulid.Make().String(),
		SessionID: mm.sessionID,
		Role:      types.RoleAssistant,
		Blocks:    blocks,
		CreatedAt: nowMillis(),
	}
	mm.messages = append(mm.messages, msg)
	cbs := mm.callbacks
	mm.mu.Unlock()

	if cbs.OnAssistantMessageAdded != nil {
		cbs.OnAssistantMessageAdded(msg)
	}
	if cbs.OnMessagesChange != nil {
		cbs.OnMessagesChange()
	}
	return msg
}

// UpdateCurrentMessageContent implements invariant 1: given a
// prefix-monotonic stream of "accumulated so far" strings, compute the
// delta chunk against what was already applied and replace the block's
// content with the new accumulated value. A no-op if the last message
// isn't an assistant message or there are no messages yet.
func (mm *MessageManager) UpdateCurrentMessageContent(accumulated string) {
	mm.mu.Lock()
	if len(mm.messages) == 0 {
		mm.mu.Unlock()
		return
	}
	last := mm.messages[len(mm.messages)-1]
	if last.Role != types.RoleAssistant {
		mm.mu.Unlock()
		return
	}

	tb, idx := last.LastTextBlock()
	var old string
	if tb == nil {
		tb = &types.TextBlock{}
		last.Blocks = append(last.Blocks, tb)
	} else {
		old = tb.Content
		_ = idx
	}

	chunk := accumulated
	if strings.HasPrefix(accumulated, old) {
		chunk = accumulated[len(old):]
	}
	tb.Content = accumulated
	cbs := mm.callbacks
	mm.mu.Unlock()

	if cbs.OnAssistantContentUpdated != nil {
		cbs.OnAssistantContentUpdated(chunk, accumulated)
	}
	if cbs.OnMessagesChange != nil {
		cbs.OnMessagesChange()
	}
}

// UpdateCurrentMessageReasoning mirrors UpdateCurrentMessageContent for the
// reasoning channel.
func (mm *MessageManager) UpdateCurrentMessageReasoning(accumulated string) {
	mm.mu.Lock()
	if len(mm.messages) == 0 {
		mm.mu.Unlock()
		return
	}
	last := mm.messages[len(mm.messages)-1]
	if last.Role != types.RoleAssistant {
		mm.mu.Unlock()
		return
	}

	rb, _ := last.LastReasoningBlock()
	var old string
	if rb == nil {
		rb = &types.ReasoningBlock{}
		last.Blocks = append(last.Blocks, rb)
	} else {
		old = rb.Content
	}

	chunk := accumulated
	if strings.HasPrefix(accumulated, old) {
		chunk = accumulated[len(old):]
	}
	rb.Content = accumulated
	cbs := mm.callbacks
	mm.mu.Unlock()

	if cbs.OnAssistantReasoningUpdated != nil {
		cbs.OnAssistantReasoningUpdated(chunk, accumulated)
	}
}

// UpdateToolBlock locates a tool block by id across all assistant messages
// (latest first) and merges in the given fields.
func (mm *MessageManager) UpdateToolBlock(params UpdateToolBlockParams) {
	mm.mu.Lock()
	var found *types.ToolBlock
	for i := len(mm.messages) - 1; i >= 0; i-- {
		msg := mm.messages[i]
		if msg.Role != types.RoleAssistant {
			continue
		}
		if tb, _ := msg.FindToolBlock(params.ID); tb != nil {
			found = tb
			break
		}
	}
	if found == nil {
		mm.mu.Unlock()
		return
	}
	if params.Name != "" {
		found.Name = params.Name
	}
	if params.Parameters != nil {
		found.Parameters = params.Parameters
	}
	if params.Stage != "" {
		found.Stage = params.Stage
	}
	if params.Result != nil {
		found.Result = params.Result
	}
	if params.Error != nil {
		found.Error = params.Error
	}
	if params.Images != nil {
		found.Images = params.Images
	}
	cbs := mm.callbacks
	mm.mu.Unlock()

	if cbs.OnToolBlockUpdated != nil {
		cbs.OnToolBlockUpdated(found)
	}
	if params.SubagentID != nil && cbs.OnSubagentToolBlockUpdated != nil {
		cbs.OnSubagentToolBlockUpdated(*params.SubagentID, found)
	}
}

// AppendToolBlock adds a fresh tool{stage:start} block to the tail
// assistant message as a tool call begins streaming in. The caller is
// expected to have just created that message via AddAssistantMessage.
func (mm *MessageManager) AppendToolBlock(tb *types.ToolBlock) {
	mm.mu.Lock()
	if len(mm.messages) == 0 {
		mm.mu.Unlock()
		return
	}
	last := mm.messages[len(mm.messages)-1]
	last.Blocks = append(last.Blocks, tb)
	mm.mu.Unlock()
}

// AppendSubagentBlock adds a subagent{...} placeholder block to the tail
// assistant message, mirroring a freshly-created child instance into the
// parent's conversation (§4.6).
func (mm *MessageManager) AppendSubagentBlock(sb *types.SubagentBlock) {
	mm.mu.Lock()
	if len(mm.messages) == 0 {
		mm.mu.Unlock()
		return
	}
	last := mm.messages[len(mm.messages)-1]
	last.Blocks = append(last.Blocks, sb)
	mm.mu.Unlock()
}

// UpdateSubagentBlock locates the subagent block by id (scanning from the
// most recent message) and applies mutate to it, then fires
// OnToolBlockUpdated-equivalent notification via OnMessagesChange so any
// listener refreshes. A no-op if the block isn't found.
func (mm *MessageManager) UpdateSubagentBlock(subagentID string, mutate func(*types.SubagentBlock)) {
	mm.mu.Lock()
	var found *types.SubagentBlock
	for i := len(mm.messages) - 1; i >= 0; i-- {
		msg := mm.messages[i]
		for _, b := range msg.Blocks {
			if sb, ok := b.(*types.SubagentBlock); ok && sb.SubagentID == subagentID {
				found = sb
				break
			}
		}
		if found != nil {
			break
		}
	}
	if found == nil {
		mm.mu.Unlock()
		return
	}
	mutate(found)
	cbs := mm.callbacks
	mm.mu.Unlock()

	if cbs.OnMessagesChange != nil {
		cbs.OnMessagesChange()
	}
}

// AddErrorBlock appends a standalone error-block message (model failure,
// truncation, unexpected hook failure — §4.1/§7).
func (mm *MessageManager) AddErrorBlock(content string) *types.Message {
	mm.mu.Lock()
	msg := &types.Message{
		ID:        ulid.Make().String(),
		SessionID: mm.sessionID,
		Role:      types.RoleAssistant,
		Blocks:    types.Blocks{&types.ErrorBlock{Content: content}},
		CreatedAt: nowMillis(),
	}
	mm.messages = append(mm.messages, msg)
	mm.mu.Unlock()
	return msg
}

// AddInfoBlock appends a transient notice (hook stdout injection) with no
// bearing on turn-loop control flow.
func (mm *MessageManager) AddInfoBlock(content string) *types.Message {
	mm.mu.Lock()
	msg := &types.Message{
		ID:        ulid.Make().String(),
		SessionID: mm.sessionID,
		Role:      types.RoleUser,
		Source:    types.SourceHook,
		Blocks:    types.Blocks{&types.InfoBlock{Content: content}},
		CreatedAt: nowMillis(),
	}
	mm.messages = append(mm.messages, msg)
	mm.mu.Unlock()
	return msg
}

// TruncateHistory implements invariant 4: find the ancestor session whose
// visible range contains indexInFullThread, then restore this manager's
// session pointer to a new session forked from that ancestor's prefix —
// a fork rather than an in-place rewrite, since SessionStore's JSONL files
// are append-only (§4.4) and an in-place truncation would violate that.
// The fork keeps the same parent and root id as the ancestor so
// loadFullMessageThread(...) up to that point is unchanged.
// TruncateHistory rewinds the session to indexInFullThread, resolving which
// ancestor carries that index, forking a new session id from that
// ancestor's prefix, and dropping everything after it. rev, if non-nil, reverts every file snapshot taken
// for a dropped message (§4.10's "revertTo on rewind").
func (mm *MessageManager) TruncateHistory(indexInFullThread int, rev *reversion.Manager) error {
	mm.mu.Lock()
	workDir, rootID := mm.workDir, mm.rootSessionID
	cur := mm.sessionID
	mm.mu.Unlock()

	type link struct {
		sess    *types.Session
		visible int // count of messages this session contributes to the full thread
	}
	var chain []link
	for cur != "" {
		sess, err := mm.store.LoadSession(workDir, cur)
		if err != nil {
			return fmt.Errorf("session: truncate: load %s: %w", cur, err)
		}
		chain = append(chain, link{sess: sess})
		if sess.ParentSessionID == nil {
			break
		}
		cur = *sess.ParentSessionID
	}
	for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
		chain[i], chain[j] = chain[j], chain[i]
	}
	for i := range chain {
		n := len(chain[i].sess.Messages)
		if i > 0 && n > 0 {
			if _, ok := chain[i].sess.Messages[0].Blocks[0].(*types.CompressBlock); ok {
				n--
			}
		}
		chain[i].visible = n
	}

	cumulative := 0
	for i, l := range chain {
		if indexInFullThread < cumulative+l.visible {
			localCount := indexInFullThread - cumulative + 1
			rawCount := localCount
			if i > 0 {
				rawCount++ // account for the leading compress block
			}
			if rawCount > len(l.sess.Messages) {
				rawCount = len(l.sess.Messages)
			}

			var droppedIDs []string
			for _, msg := range l.sess.Messages[rawCount:] {
				droppedIDs = append(droppedIDs, msg.ID)
			}
			for _, descendant := range chain[i+1:] {
				for _, msg := range descendant.sess.Messages {
					droppedIDs = append(droppedIDs, msg.ID)
				}
			}
			if rev != nil && len(droppedIDs) > 0 {
				if err := rev.RevertTo(droppedIDs); err != nil {
					return fmt.Errorf("session: truncate: revert snapshots: %w", err)
				}
			}

			newID := sessionstore.GenerateSessionID()
			mm.mu.Lock()
			mm.sessionID = newID
			mm.parentSessionID = l.sess.ParentSessionID
			mm.rootSessionID = rootID
			mm.messages = append([]*types.Message(nil), l.sess.Messages[:rawCount]...)
			mm.messagesSavedCount = 0
			mm.mu.Unlock()
			return nil
		}
		cumulative += l.visible
	}
	return fmt.Errorf("session: truncate: index %d out of range", indexInFullThread)
}

// SetLatestTotalTokens records a model call's usage per invariant 2.
func (mm *MessageManager) SetLatestTotalTokens(usage *types.Usage) {
	if usage == nil {
		return
	}
	mm.mu.Lock()
	mm.latestTotalTokens = usage.Total()
	mm.mu.Unlock()
}

// RemoveLastUserMessage drops the most recently added message if it is a
// user message (UserPromptSubmit hook block, §4.3).
func (mm *MessageManager) RemoveLastUserMessage() {
	mm.mu.Lock()
	defer mm.mu.Unlock()
	if len(mm.messages) == 0 {
		return
	}
	if mm.messages[len(mm.messages)-1].Role == types.RoleUser {
		mm.messages = mm.messages[:len(mm.messages)-1]
	}
}

// SetFilesInContext extracts file paths from tool parameters using the
// recognized keys (file_path, filePath, target_file, files[]) and tracks
// them for getFilesInContext.
func (mm *MessageManager) SetFilesInContext(params map[string]any) {
	mm.mu.Lock()
	defer mm.mu.Unlock()
	for _, key := range []string{"file_path", "filePath", "target_file"} {
		if v, ok := params[key].(string); ok && v != "" {
			mm.filesInContext[v] = struct{}{}
		}
	}
	if raw, ok := params["files"].([]any); ok {
		for _, item := range raw {
			if s, ok := item.(string); ok && s != "" {
				mm.filesInContext[s] = struct{}{}
			}
		}
	}
}

// GetFilesInContext returns the accumulated set of files touched this
// session, in no particular order.
func (mm *MessageManager) GetFilesInContext() []string {
	mm.mu.Lock()
	defer mm.mu.Unlock()
	out := make([]string, 0, len(mm.filesInContext))
	for p := range mm.filesInContext {
		out = append(out, p)
	}
	return out
}

// SaveSession appends only the messages added since the last save,
// matching SessionStore's append-only invariant.
func (mm *MessageManager) SaveSession() error {
	mm.mu.Lock()
	sess := &types.Session{
		ID:                 mm.sessionID,
		ParentSessionID:    mm.parentSessionID,
		RootSessionID:      mm.rootSessionID,
		Workdir:            mm.workDir,
		LastActiveAt:       nowMillis(),
		LatestTotalTokens:  mm.latestTotalTokens,
		Messages:           mm.messages,
		MessagesSavedCount: mm.messagesSavedCount,
	}
	newMessages := mm.messages[mm.messagesSavedCount:]
	saved := len(mm.messages)
	mm.mu.Unlock()

	if err := mm.store.AppendMessages(sess, newMessages); err != nil {
		return err
	}

	mm.mu.Lock()
	mm.messagesSavedCount = saved
	mm.mu.Unlock()
	return nil
}

func nowMillis() int64 {
	return time.Now().UnixMilli()
}
