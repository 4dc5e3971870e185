package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/studytogether/studysync/internal/session"
)

const helpText = `commands:
  s              start or pause the timer (host)
  k              skip to the next phase (host)
  set W B        set work/break minutes (host)
  t TASK         set what you are working on
  v              toggle voice chat (breaks only)
  m              toggle mute
  p              show participants
  h              show your session history
  del ID         delete a history entry
  q              leave the room and quit`

// runUI multiplexes stdin commands, session notices and shutdown signals
// until the session ends.
func runUI(ctx context.Context, sess *session.Session, sigChan <-chan os.Signal) {
	lines := make(chan string)
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		close(lines)
	}()

	fmt.Println(helpText)
	printStatus(sess)

	for {
		select {
		case <-ctx.Done():
			return
		case <-sess.Done():
			fmt.Println("session ended")
			return
		case sig := <-sigChan:
			fmt.Printf("\n%s, leaving room\n", sig)
			leaveAndExit(sess)
			return
		case n := <-sess.Notices():
			if n.Error {
				fmt.Printf("!! %s\n", n.Text)
			} else {
				fmt.Printf("** %s\n", n.Text)
			}
		case line, ok := <-lines:
			if !ok {
				leaveAndExit(sess)
				return
			}
			if quit := dispatch(sess, strings.TrimSpace(line)); quit {
				leaveAndExit(sess)
				return
			}
		}
	}
}

func leaveAndExit(sess *session.Session) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := sess.Leave(ctx); err != nil {
		fmt.Printf("leave timed out: %v\n", err)
	}
}

func dispatch(sess *session.Session, line string) (quit bool) {
	cmd, rest, _ := strings.Cut(line, " ")
	switch cmd {
	case "":
		printStatus(sess)
	case "s":
		sess.StartPause()
	case "k":
		sess.Skip()
	case "set":
		work, brk, ok := parsePair(rest)
		if !ok {
			fmt.Println("usage: set WORK_MIN BREAK_MIN")
			break
		}
		sess.UpdateSettings(work, brk)
	case "t":
		sess.SetTask(rest)
	case "v":
		sess.ToggleVoice()
	case "m":
		sess.ToggleMute()
	case "p":
		printParticipants(sess)
	case "h":
		printHistory(sess)
	case "del":
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := sess.DeleteHistory(ctx, strings.TrimSpace(rest))
		cancel()
		if err != nil {
			fmt.Printf("delete failed: %v\n", err)
		}
	case "q":
		return true
	case "help", "?":
		fmt.Println(helpText)
	default:
		fmt.Printf("unknown command %q (try ?)\n", cmd)
	}
	return false
}

func parsePair(s string) (int, int, bool) {
	fields := strings.Fields(s)
	if len(fields) != 2 {
		return 0, 0, false
	}
	work, err1 := strconv.Atoi(fields[0])
	brk, err2 := strconv.Atoi(fields[1])
	if err1 != nil || err2 != nil {
		return 0, 0, false
	}
	return work, brk, true
}

func printStatus(sess *session.Session) {
	v := sess.View()
	state := "running"
	if v.Timer.Paused {
		state = "paused"
	}
	host := ""
	if v.IsHost {
		host = " (you are host)"
	}
	fmt.Printf("[%s] %s %s %02d:%02d cycle %d, %d here%s\n",
		v.RoomID, v.Timer.Phase, state,
		v.RemainingSec/60, v.RemainingSec%60,
		v.Timer.Cycle, len(v.Participants), host)
}

func printParticipants(sess *session.Session) {
	v := sess.View()
	keys := make([]string, 0, len(v.Participants))
	for k := range v.Participants {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		p := v.Participants[k]
		tags := ""
		if k == v.HostID {
			tags += " [host]"
		}
		if k == v.SelfKey {
			tags += " [you]"
		}
		if p.VoiceEnabled {
			if p.Muted {
				tags += " [muted]"
			} else {
				tags += " [voice]"
			}
		}
		task := ""
		if p.Task != "" {
			task = " :: " + p.Task
		}
		fmt.Printf("  %s%s%s\n", p.Nickname, tags, task)
	}
}

func printHistory(sess *session.Session) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	entries, err := sess.History(ctx)
	if err != nil {
		fmt.Printf("history unavailable: %v\n", err)
		return
	}
	if len(entries) == 0 {
		fmt.Println("no recorded sessions yet")
		return
	}
	for _, e := range entries {
		when := time.UnixMilli(e.CompletedAt).Format("Jan 2 15:04")
		task := e.Task
		if task == "" {
			task = "(no task)"
		}
		fmt.Printf("  %s  %s  %dm  %s\n", e.ID, when, e.Duration/60, task)
	}
}
