package cli

import (
	"sort"

	"github.com/dustin/go-humanize"

	"github.com/10088/haproxy/pool"
	"github.com/10088/haproxy/sched"
)

func helpCommand(s *Server) Command {
	return Command{
		Name:  "help",
		Usage: "help",
		Help:  "list available commands",
		Start: func(sess *Session, _ []string) (Runner, error) {
			names := make([]string, 0, len(s.commands))
			for name := range s.commands {
				names = append(names, name)
			}
			sort.Strings(names)

			for _, name := range names {
				cmd := s.commands[name]
				sess.Printf("  %-28s %s\n", cmd.Usage, cmd.Help)
			}
			return nil, nil
		},
	}
}

func quitCommand() Command {
	return Command{
		Name:  "quit",
		Usage: "quit",
		Help:  "close this session",
		Start: func(*Session, []string) (Runner, error) {
			return nil, nil
		},
	}
}

// PoolsCommand reports per-pool buffer usage as "show pools".
func PoolsCommand(reg *pool.Registry) Command {
	return Command{
		Name:  "show pools",
		Usage: "show pools",
		Help:  "report buffer pool usage",
		Start: func(s *Session, _ []string) (Runner, error) {
			stats := reg.Stats()

			var totalAlloc, totalUsed uint64
			s.Printf("Dumping pools usage.\n")
			for _, st := range stats {
				shared := ""
				if st.Shared {
					shared = ", shared"
				}
				s.Printf("  - pool %s (%s): %d allocated (%s), %d used, %d free, %d users%s\n",
					st.Name,
					humanize.IBytes(uint64(st.Size)),
					st.Allocated,
					humanize.IBytes(uint64(st.Allocated)*uint64(st.Size)),
					st.Used,
					st.Free,
					st.Users,
					shared)
				totalAlloc += uint64(st.Allocated) * uint64(st.Size)
				totalUsed += uint64(st.Used) * uint64(st.Size)
			}
			s.Printf("Total: %d pools, %s allocated, %s used.\n",
				len(stats), humanize.IBytes(totalAlloc), humanize.IBytes(totalUsed))
			return nil, nil
		},
	}
}

// TasksCommand reports scheduler activity as "show tasks".
func TasksCommand(loop *sched.Loop) Command {
	return Command{
		Name:  "show tasks",
		Usage: "show tasks",
		Help:  "report scheduler task activity",
		Start: func(s *Session, _ []string) (Runner, error) {
			st := loop.Stats()
			s.Printf("Tasks: %d live\n", st.Tasks)
			s.Printf("Runs: %d total, %d/s over the last second\n", st.Runs, st.RunRate)
			s.Printf("Posts: %d total\n", st.Posts)
			return nil, nil
		},
	}
}
