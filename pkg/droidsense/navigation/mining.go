package navigation

import "github.com/droidsense/droidsense/pkg/droidsense/model"

// MineFlow reconstructs transitions from a saved flow without executing it.
// A launch_app step pins the current package; after that, each gesture step
// followed by an assert_screen on a different activity becomes one mined
// transition. Returns the number of transitions learned.
//
// Mined screens carry no landmarks, so they identify by activity alone.
func (g *Graph) MineFlow(flow *model.Flow) int {
	pinned := false
	currentActivity := ""
	var pending *ActionDescriptor
	learned := 0

	for _, step := range flow.Steps {
		switch step.Type {
		case model.StepLaunchApp:
			pinned = step.Package == g.Package
			currentActivity = ""
			pending = nil
		case model.StepTap:
			pending = &ActionDescriptor{Type: "tap", X: step.X, Y: step.Y}
		case model.StepSwipe:
			pending = &ActionDescriptor{Type: "swipe", X: step.X, Y: step.Y, X2: step.X2, Y2: step.Y2}
		case model.StepKeyevent:
			pending = &ActionDescriptor{Type: "keyevent", Keycode: step.Keycode}
		case model.StepText:
			pending = &ActionDescriptor{Type: "text", Text: step.Text}
		case model.StepAssertScreen:
			if pinned && currentActivity != "" && pending != nil && step.Activity != currentActivity {
				g.LearnTransition(
					ScreenState{Activity: currentActivity},
					ScreenState{Activity: step.Activity},
					*pending, LearnedFromMining)
				learned++
			}
			currentActivity = step.Activity
			pending = nil
		case model.StepGoHome:
			currentActivity = ""
			pending = nil
		}
	}
	return learned
}
