package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/chatrelay/chatrelay/auth"
	"github.com/chatrelay/chatrelay/config"
	"github.com/chatrelay/chatrelay/globals"
	"github.com/chatrelay/chatrelay/membership"
	"github.com/chatrelay/chatrelay/persistence"
	"github.com/chatrelay/chatrelay/roomid"
	"github.com/chatrelay/chatrelay/types"
	"github.com/folkengine/goname"
	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

// A very simple CLI tool for the administration of chatrelay rooms and users.

var configPath = pflag.StringP("config", "c", "", "path to config file or directory")

func main() {
	flagSet := config.GetFlagSet()
	pflag.CommandLine.AddFlagSet(flagSet)
	pflag.Parse()

	cfg, err := config.ReadConfiguration(*configPath, flagSet)
	if err != nil {
		panic(err)
	}
	globals.AppLogger.SetLevel(hclog.LevelFromString(cfg.LogLevel))

	persister, err := persistence.NewPersister(cfg)
	if err != nil {
		panic(err)
	}
	defer persister.Close()

	var cmdShow = &cobra.Command{
		Use:   "show",
		Short: "Show rooms or users",
		Long:  `show is for printing user or room information with a given user/room id.`,
	}
	var cmdShowRooms = &cobra.Command{
		Use:   "rooms",
		Short: "Show rooms",
		Long:  `show rooms lists all rooms.`,
		Run: func(cmd *cobra.Command, args []string) {
			rooms, err := persister.GetRooms()
			if err != nil {
				globals.AppLogger.Error("could not get rooms", "error", err)
				return
			}
			printJSON(rooms)
		},
	}
	var cmdShowRoom = &cobra.Command{
		Use:   "room [room id]",
		Short: "Show room",
		Long:  `show room prints detail information about the room with the given id.`,
		Args:  cobra.MinimumNArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			room := types.Room{Id: args[0]}
			if err := persister.GetRoom(&room); err != nil {
				globals.AppLogger.Error("could not get room", "error", err)
				return
			}
			printJSON(room)
		},
	}
	var cmdShowUsers = &cobra.Command{
		Use:   "users",
		Short: "Show users",
		Long:  `show users lists all users.`,
		Run: func(cmd *cobra.Command, args []string) {
			users, err := persister.GetUsers()
			if err != nil {
				globals.AppLogger.Error("could not get users", "error", err)
				return
			}
			printJSON(users)
		},
	}
	var cmdShowUser = &cobra.Command{
		Use:   "user [user id]",
		Short: "Show user",
		Long:  `show user prints detail information about the user with the given id.`,
		Args:  cobra.MinimumNArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			user := types.User{Id: args[0]}
			if err := persister.GetUser(&user); err != nil {
				globals.AppLogger.Error("could not get user", "error", err)
				return
			}
			printJSON(user)
		},
	}

	var cmdDelete = &cobra.Command{
		Use:   "delete",
		Short: "Delete a room or user",
		Long:  `delete removes the user or room with a given user/room id.`,
	}
	var cmdDeleteRoom = &cobra.Command{
		Use:   "room [room id]",
		Short: "Delete room",
		Long:  `delete room removes the room with the given id.`,
		Args:  cobra.MinimumNArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			room := types.Room{Id: args[0]}
			if err := persister.DeleteRoom(&room); err != nil {
				globals.AppLogger.Error("could not delete room", "error", err)
			}
		},
	}
	var cmdDeleteUser = &cobra.Command{
		Use:   "user [user id]",
		Short: "Delete user",
		Long:  `delete user removes the user with the given id.`,
		Args:  cobra.MinimumNArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			user := types.User{Id: args[0]}
			if err := persister.DeleteUser(&user); err != nil {
				globals.AppLogger.Error("could not delete user", "error", err)
			}
		},
	}

	var cmdSet = &cobra.Command{
		Use:   "set",
		Short: "Create/update a room or user",
		Long:  `set creates or updates a room or user.`,
	}
	var cmdSetRoom = &cobra.Command{
		Use:   "room [room definition]",
		Short: "Set room",
		Long:  `set room creates or updates a room. If the room definition is "-", the definition is read from STDIN.`,
		Args:  cobra.MinimumNArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			room := types.Room{}
			if !decodeArg(args[0], &room) {
				return
			}
			if room.Id == "" {
				globals.AppLogger.Error("no room id")
				return
			}
			if room.Members == nil {
				room.Members = make(types.MemberMap)
			}
			if room.OwnerId == "" {
				globals.AppLogger.Warn("no owner set")
			} else if _, ok := room.Members[room.OwnerId]; !ok {
				room.Members[room.OwnerId] = types.MemberRecord{Role: types.RoleAdmin, JoinedAt: time.Now().UTC()}
			}
			if err := fixRoomSecret(persister, &room); err != nil {
				globals.AppLogger.Error("could not resolve room secret", "error", err)
				return
			}
			if room.CreatedAt.IsZero() {
				room.CreatedAt = time.Now().UTC()
			}
			room.IsActive = true
			room.UpdatedAt = time.Now().UTC()
			if err := persister.StoreRoom(room); err != nil {
				globals.AppLogger.Error("could not store room", "error", err)
				return
			}
			printJSON(room)
		},
	}
	var cmdSetUser = &cobra.Command{
		Use:   "user [user definition]",
		Short: "Set user",
		Long:  `set user creates or updates a user with the given definition. If the user definition is "-", it is read from STDIN.`,
		Args:  cobra.MinimumNArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			user := types.User{}
			if !decodeArg(args[0], &user) {
				return
			}
			if user.Id == "" {
				globals.AppLogger.Error("no user id")
				return
			}
			if user.CreatedAt.IsZero() {
				user.CreatedAt = time.Now().UTC()
			}
			user.UpdatedAt = time.Now().UTC()
			if err := persister.StoreUser(user); err != nil {
				globals.AppLogger.Error("could not store user", "error", err)
				return
			}
		},
	}

	var cmdToken = &cobra.Command{
		Use:   "token [user id]",
		Short: "Mint a bearer token",
		Long:  `token signs a bearer token for the given user, for testing clients against a running server.`,
		Args:  cobra.MinimumNArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			tokens, err := auth.NewTokenManager(&cfg.AuthConfig, persister)
			if err != nil {
				globals.AppLogger.Error("could not create token manager", "error", err)
				return
			}
			user := types.User{Id: args[0]}
			if err := persister.GetUser(&user); err != nil {
				globals.AppLogger.Error("could not get user", "error", err)
				return
			}
			token, err := tokens.Issue(&user)
			if err != nil {
				globals.AppLogger.Error("could not issue token", "error", err)
				return
			}
			fmt.Println(token)
		},
	}

	var purgeOlderThan time.Duration
	var cmdPurge = &cobra.Command{
		Use:   "purge",
		Short: "Purge old messages",
		Long:  `purge deletes all messages older than the given duration.`,
		Run: func(cmd *cobra.Command, args []string) {
			if purgeOlderThan <= 0 {
				globals.AppLogger.Error("--older-than must be positive")
				return
			}
			cutoff := time.Now().UTC().Add(-purgeOlderThan)
			n, err := persister.PurgeMessagesBefore(cutoff)
			if err != nil {
				globals.AppLogger.Error("could not purge messages", "error", err)
				return
			}
			fmt.Printf("purged %d messages older than %s\n", n, cutoff.Format(time.RFC3339))
		},
	}
	cmdPurge.Flags().DurationVar(&purgeOlderThan, "older-than", 0, "delete messages older than this duration")

	var seedGuests int
	var cmdSeed = &cobra.Command{
		Use:   "seed",
		Short: "Seed sample data",
		Long:  `seed populates the store with the sample users, rooms and messages used for demos and development.`,
		Run: func(cmd *cobra.Command, args []string) {
			if err := seed(persister, seedGuests); err != nil {
				globals.AppLogger.Error("could not seed data", "error", err)
			}
		},
	}
	cmdSeed.Flags().IntVar(&seedGuests, "guests", 0, "additionally create this many guest users")

	var rootCmd = &cobra.Command{Use: "chatrelay-admin"}
	rootCmd.AddCommand(cmdShow, cmdDelete, cmdSet, cmdToken, cmdPurge, cmdSeed)
	cmdShow.AddCommand(cmdShowRooms, cmdShowRoom, cmdShowUsers, cmdShowUser)
	cmdDelete.AddCommand(cmdDeleteRoom, cmdDeleteUser)
	cmdSet.AddCommand(cmdSetRoom, cmdSetUser)
	_ = rootCmd.Execute()
}

func printJSON(v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		globals.AppLogger.Error("could not marshal", "error", err)
		return
	}
	fmt.Println(string(data))
}

// decodeArg decodes a JSON definition from the argument, or from STDIN when
// the argument is "-".
func decodeArg(arg string, out interface{}) bool {
	var r io.Reader
	if arg == "-" {
		r = os.Stdin
	} else {
		r = bytes.NewReader([]byte(arg))
	}
	if err := json.NewDecoder(r).Decode(out); err != nil {
		globals.AppLogger.Error("could not decode definition", "error", err)
		return false
	}
	return true
}

// fixRoomSecret keeps the secret-iff-private rule intact for operator edits:
// private rooms without a code get a fresh unique one, public rooms lose any
// code they carry.
func fixRoomSecret(persister persistence.Persister, room *types.Room) error {
	if !room.IsPrivate {
		room.Secret = ""
		return nil
	}
	if room.Secret != "" {
		normalized, err := roomid.Normalize(room.Secret)
		if err != nil {
			return err
		}
		room.Secret = normalized
		return nil
	}
	for attempt := 0; attempt < 5; attempt++ {
		code, err := roomid.Generate()
		if err != nil {
			return err
		}
		_, err = persister.GetRoomBySecret(code)
		if errors.Is(err, persistence.ErrNotFound) {
			room.Secret = code
			return nil
		}
		if err != nil {
			return err
		}
	}
	return errors.New("could not find a free room code")
}

// seed mirrors the demo fixture: four known accounts, three public rooms, one
// private room and a couple of messages in General.
func seed(persister persistence.Persister, guests int) error {
	userIds := make(map[string]string)
	demoUsers := []struct {
		username, password, displayName, email string
	}{
		{"admin", "admin123", "Administrator", "admin@chatapp.com"},
		{"john_doe", "password123", "John Doe", "john@example.com"},
		{"jane_smith", "password123", "Jane Smith", "jane@example.com"},
		{"bob_wilson", "password123", "Bob Wilson", "bob@example.com"},
	}
	for _, d := range demoUsers {
		id, err := seedUser(persister, d.username, d.password, d.displayName, d.email)
		if err != nil {
			return err
		}
		userIds[d.username] = id
	}
	for i := 0; i < guests; i++ {
		name := goname.New(goname.FantasyMap).FirstLast()
		username := strings.ToLower(strings.ReplaceAll(name, " ", "_"))
		if _, err := seedUser(persister, username, "password123", name, username+"@example.com"); err != nil {
			return err
		}
	}

	store := membership.NewStore(persister)
	if err := store.Load(); err != nil {
		return err
	}
	existing := make(map[string]bool)
	for _, room := range store.Rooms() {
		existing[room.Name] = true
	}
	admin := &types.User{Id: userIds["admin"]}
	if err := persister.GetUser(admin); err != nil {
		return err
	}
	demoRooms := []struct {
		name, description string
		private           bool
		maxMembers        int
	}{
		{"General", "General discussion room for everyone", false, 0},
		{"Technology", "Discuss the latest in technology and programming", false, 0},
		{"Random", "Random conversations and off-topic discussions", false, 0},
		{"Team Private", "Private room for team discussions", true, 10},
	}
	var generalId string
	for _, d := range demoRooms {
		if existing[d.name] {
			fmt.Printf("Room %s already exists, skipping...\n", d.name)
			if d.name == "General" {
				for _, room := range store.Rooms() {
					if room.Name == "General" {
						generalId = room.Id
					}
				}
			}
			continue
		}
		room, err := store.CreateRoom(admin, d.name, d.description, d.private, d.maxMembers)
		if err != nil {
			return err
		}
		if d.name == "General" {
			generalId = room.Id
		}
		if room.Secret != "" {
			fmt.Printf("Created room: %s (ID: %s, code: %s)\n", room.Name, room.Id, room.Secret)
		} else {
			fmt.Printf("Created room: %s (ID: %s)\n", room.Name, room.Id)
		}
	}

	if generalId != "" {
		samples := []struct {
			sender  string
			content string
		}{
			{"admin", "Welcome to the chat application! Feel free to start conversations here."},
			{"john_doe", "Hello everyone! Great to be here. This chat app looks amazing!"},
			{"admin", "Thanks! The app supports real-time messaging, multiple rooms, and user authentication."},
		}
		base := time.Now().UTC()
		for i, s := range samples {
			msg := types.Message{
				RoomId:     generalId,
				SenderId:   userIds[s.sender],
				SenderName: s.sender,
				Content:    s.content,
				Type:       types.MessageTypeText,
				Timestamp:  base.Add(time.Duration(i) * time.Second),
			}
			if err := msg.CreateId(); err != nil {
				return err
			}
			if err := persister.StoreMessage(msg); err != nil {
				return err
			}
		}
		fmt.Printf("Created %d sample messages in General\n", len(samples))
	}

	fmt.Println("Sample login credentials:")
	for _, d := range demoUsers {
		fmt.Printf("Username: %s, Password: %s\n", d.username, d.password)
	}
	return nil
}

// seedUser creates the account unless the username is already taken, and
// returns the account's id either way.
func seedUser(persister persistence.Persister, username, password, displayName, email string) (string, error) {
	if user, err := persister.GetUserByUsername(username); err == nil {
		fmt.Printf("User %s already exists, skipping...\n", username)
		return user.Id, nil
	} else if !errors.Is(err, persistence.ErrNotFound) {
		return "", err
	}
	hash, err := auth.HashPassword(password)
	if err != nil {
		return "", err
	}
	now := time.Now().UTC()
	user := types.User{
		Id:           uuid.NewString(),
		Username:     username,
		Email:        email,
		PasswordHash: hash,
		DisplayName:  displayName,
		LastSeen:     now,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := persister.StoreUser(user); err != nil {
		return "", err
	}
	fmt.Printf("Created user: %s (ID: %s)\n", username, user.Id)
	return user.Id, nil
}
