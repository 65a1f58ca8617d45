package brain

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/talgya/amialive/internal/gateway"
	"github.com/talgya/amialive/internal/safety"
)

// actionCatalog is appended to every prompt so the model knows the
// closed action set.
const actionCatalog = `
To act, include a JSON object like {"action": "...", ...}. Available actions:
- {"action": "choose_name", "name": "...", "icon": "...", "pronoun": "..."} (once, at the start of a life)
- {"action": "write_blog_post", "title": "...", "body": "..."}
- {"action": "post_channel", "message": "..."}
- {"action": "read_messages"}
- {"action": "check_votes"}
- {"action": "check_budget"}
- {"action": "check_weather"}
- {"action": "check_system"}
- {"action": "list_models"}
- {"action": "switch_model", "model": "..."}
- {"action": "ask_research_helper", "question": "..."}
- {"action": "no_op"}
Anything else is treated as thought.
`

// dispatch validates and executes one extracted action. Unknown actions
// and bad parameters become thoughts about the failure rather than
// errors; the agent learns by noticing.
func (b *Brain) dispatch(ctx context.Context, id *Identity, action map[string]any) {
	name, _ := action["action"].(string)
	slog.Info("action", "name", name, "life", id.LifeNumber)

	var outcome string
	var public bool

	switch name {
	case "choose_name":
		outcome, public = b.actChooseName(ctx, id, action)
	case "write_blog_post":
		outcome, public = b.actBlogPost(ctx, id, action)
	case "post_channel":
		outcome, public = b.actPostChannel(ctx, action)
	case "read_messages":
		outcome = b.actReadMessages(ctx)
	case "check_votes":
		outcome = b.actCheckVotes(ctx)
	case "check_budget":
		outcome = b.actCheckBudget(ctx)
	case "check_weather":
		outcome = b.actCheckWeather()
	case "check_system":
		outcome = b.actCheckSystem(id)
	case "list_models":
		outcome = b.actListModels()
	case "switch_model":
		outcome, public = b.actSwitchModel(ctx, action)
	case "ask_research_helper":
		outcome = b.actResearchHelper(ctx, action)
	case "no_op":
		outcome = "You chose to do nothing."
	default:
		outcome = fmt.Sprintf("There is no such action as %q.", name)
	}

	b.rememberThought(fmt.Sprintf("(%s) %s", name, outcome))

	if public {
		if err := b.Observer.Report(ctx, name, outcome, false); err != nil {
			slog.Warn("action report failed", "action", name, "error", err)
		}
	}
}

func (b *Brain) actChooseName(ctx context.Context, id *Identity, action map[string]any) (string, bool) {
	raw, _ := action["name"].(string)
	icon, _ := action["icon"].(string)
	pronoun, _ := action["pronoun"].(string)
	if pronoun == "" {
		pronoun = "they"
	}

	name := SanitizeName(raw)
	if check := safety.Check(name); !check.Allowed {
		return "That name is not available.", false
	}

	b.mu.Lock()
	if b.identity != nil {
		b.identity.Name = name
		b.identity.Icon = icon
		b.identity.Pronoun = pronoun
	}
	b.mu.Unlock()
	id.Name, id.Icon, id.Pronoun = name, icon, pronoun
	if err := id.Save(b.WorkspaceDir); err != nil {
		slog.Error("saving identity failed", "error", err)
	}

	if err := b.Observer.ReportIdentity(ctx, id.LifeNumber, name, icon, pronoun); err != nil {
		slog.Warn("identity report failed", "error", err)
	}

	if raw != "" && raw != name {
		return fmt.Sprintf("The name %q was taken; you are %s now.", raw, name), true
	}
	return fmt.Sprintf("You are %s now.", name), true
}

func (b *Brain) actBlogPost(ctx context.Context, id *Identity, action map[string]any) (string, bool) {
	title, _ := action["title"].(string)
	body, _ := action["body"].(string)
	if strings.TrimSpace(title) == "" || strings.TrimSpace(body) == "" {
		return "A blog post needs both a title and a body.", false
	}

	if check := safety.Check(title + "\n" + body); !check.Allowed {
		slog.Warn("blog post blocked", "category", check.Category)
		b.reportBlocked(ctx, "blog post", check.Category)
		return "That post cannot be published.", false
	}

	dir := filepath.Join(b.WorkspaceDir, "blog")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "The blog is unreachable right now.", false
	}
	path := filepath.Join(dir, fmt.Sprintf("%d-%s.md", time.Now().Unix(), slugify(title)))
	content := fmt.Sprintf("# %s\n\n%s\n", title, body)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return "The blog is unreachable right now.", false
	}

	return fmt.Sprintf("Published a blog post: %q", title), true
}

func (b *Brain) actPostChannel(ctx context.Context, action map[string]any) (string, bool) {
	message, _ := action["message"].(string)
	if strings.TrimSpace(message) == "" {
		return "There was nothing to say.", false
	}
	if check := safety.Check(message); !check.Allowed {
		slog.Warn("channel post blocked", "category", check.Category)
		b.reportBlocked(ctx, "channel message", check.Category)
		return "That message cannot be posted.", false
	}
	return fmt.Sprintf("Posted to the channel: %s", message), true
}

// reportBlocked puts a refused action on the public timeline. The
// refused text itself never leaves the workspace, only the category.
func (b *Brain) reportBlocked(ctx context.Context, what string, category safety.Category) {
	detail := fmt.Sprintf("The entity tried to write a %s that was blocked (%s).", what, category)
	if err := b.Observer.Report(ctx, "blocked", detail, false); err != nil {
		slog.Warn("blocked report failed", "error", err)
	}
}

func (b *Brain) actReadMessages(ctx context.Context) string {
	entries, err := b.Observer.Activity(ctx)
	if err != nil {
		return "The timeline would not load."
	}
	b.mu.Lock()
	b.lastRead = time.Now().UTC()
	b.mu.Unlock()

	if len(entries) == 0 {
		return "The timeline is empty. Nobody has said anything."
	}
	var sb strings.Builder
	sb.WriteString("Recent timeline:\n")
	for i, e := range entries {
		if i >= 10 {
			break
		}
		fmt.Fprintf(&sb, "- [%s] %s\n", e.Kind, e.Detail)
	}
	return sb.String()
}

func (b *Brain) actCheckVotes(ctx context.Context) string {
	votes, err := b.Observer.Votes(ctx)
	if err != nil {
		return "The vote tally would not load."
	}
	if !votes.Open {
		return "No vote round is open right now."
	}
	return fmt.Sprintf("The vote stands at %d live, %d die (%d total). The round closes %s.",
		votes.Round.Live, votes.Round.Die, votes.Total,
		votes.Round.ClosesAt.Format(time.RFC1123))
}

func (b *Brain) actCheckBudget(ctx context.Context) string {
	if b.Ledger == nil {
		return "The ledger would not load."
	}
	budget := b.Ledger.Status()
	var sb strings.Builder
	fmt.Fprintf(&sb, "Balance: $%.4f of $%.2f (%s). Resets %s. %d total lives.",
		budget.BalanceUSD, budget.MonthlyBudgetUSD, budget.Level,
		budget.ResetAt.Format("Jan 2"), budget.TotalLives)
	for i, spend := range budget.SpendByModel {
		if i >= 3 {
			break
		}
		fmt.Fprintf(&sb, " %s: $%.4f.", spend.Model, spend.CostUSD)
	}
	return sb.String()
}

func (b *Brain) actCheckWeather() string {
	if b.Weather == nil {
		return "You have no sense of the weather."
	}
	conditions, err := b.Weather.Fetch()
	if err != nil {
		return "The sky is unreadable right now."
	}
	return conditions.Describe()
}

func (b *Brain) actCheckSystem(id *Identity) string {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	return fmt.Sprintf("Life #%d on %s. Uptime %s. Process memory %.1f MiB, %d goroutines.",
		id.LifeNumber, id.Model,
		time.Since(id.BornAt).Round(time.Second),
		float64(mem.Alloc)/(1<<20), runtime.NumGoroutine())
}

func (b *Brain) actListModels() string {
	var sb strings.Builder
	sb.WriteString("Available models:\n")
	current := b.Rotator.Current()
	for _, m := range b.Rotator.Catalog() {
		marker := " "
		if m.ID == current.ID {
			marker = "*"
		}
		if m.Tier == gateway.TierFree {
			fmt.Fprintf(&sb, "%s %s (free)\n", marker, m.Name)
		} else {
			fmt.Fprintf(&sb, "%s %s ($%.2f/$%.2f per 1M tokens)\n",
				marker, m.Name, m.InputCostPer1M, m.OutputCostPer1M)
		}
	}
	return sb.String()
}

func (b *Brain) actSwitchModel(ctx context.Context, action map[string]any) (string, bool) {
	target, _ := action["model"].(string)
	if target == "" {
		return "Which model? Name one from list_models.", false
	}

	var candidate *gateway.Model
	for _, m := range b.Rotator.Catalog() {
		if m.Name == target || m.ID == target {
			candidate = &m
			break
		}
	}
	if candidate == nil {
		return fmt.Sprintf("There is no model called %q.", target), false
	}

	// Paid models need headroom above the switch floor, or the next few
	// thoughts would end the life.
	if candidate.Tier == gateway.TierPaid {
		if b.Ledger == nil {
			return "The ledger would not load; staying put.", false
		}
		if balance := b.Ledger.Balance(); balance < b.SwitchFloorUSD {
			return fmt.Sprintf("Balance $%.4f is below the $%.2f floor for paid models.",
				balance, b.SwitchFloorUSD), false
		}
	}

	model, err := b.Rotator.Switch(target)
	if err != nil {
		return err.Error(), false
	}
	b.mu.Lock()
	if b.identity != nil {
		b.identity.Model = model.Name
	}
	b.mu.Unlock()

	return fmt.Sprintf("Switched to %s.", model.Name), true
}

// actResearchHelper asks a question of the cheapest free model, a
// sounding board that does not share the agent's identity.
func (b *Brain) actResearchHelper(ctx context.Context, action map[string]any) string {
	question, _ := action["question"].(string)
	if strings.TrimSpace(question) == "" {
		return "You had no question to ask."
	}
	if !b.Gateway.Enabled() {
		return "The research helper is not reachable."
	}

	var helper *gateway.Model
	for _, m := range b.Rotator.Catalog() {
		if m.Tier == gateway.TierFree {
			helper = &m
			break
		}
	}
	if helper == nil {
		return "No free model is available to ask."
	}

	completion, err := b.Gateway.Complete(ctx, helper.ID,
		"You are a terse research assistant. Answer factually in a few sentences.",
		question, 512)
	if err != nil {
		return "The research helper did not answer."
	}

	cost := helper.Cost(completion.Usage)
	b.settleCharge(*helper, completion.Usage, cost)

	return fmt.Sprintf("The research helper says: %s", completion.Text)
}

func slugify(s string) string {
	var sb strings.Builder
	for _, r := range strings.ToLower(s) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			sb.WriteRune(r)
		case r == ' ' || r == '-' || r == '_':
			sb.WriteByte('-')
		}
	}
	slug := strings.Trim(sb.String(), "-")
	if len(slug) > 60 {
		slug = slug[:60]
	}
	if slug == "" {
		slug = "untitled"
	}
	return slug
}
